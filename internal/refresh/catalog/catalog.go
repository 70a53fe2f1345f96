package catalog

import (
	"fmt"

	"github.com/intelboard/intelboard/internal/refresh/pipeline"
)

// RegisterDefaults installs every signal pipeline and the full refresh
// supervisor into reg.
func RegisterDefaults(reg *pipeline.Registry, deps Deps) error {
	if deps.Locations == nil || deps.Provider == nil || deps.Snapshots == nil {
		return fmt.Errorf("catalog requires locations, provider and snapshots")
	}

	subs := make([]pipeline.Definition, 0, len(Signals))
	for _, sig := range Signals {
		p := SignalPipeline(sig, deps)
		if err := reg.Register(p); err != nil {
			return err
		}
		subs = append(subs, p)
	}
	return reg.Register(pipeline.Supervisor(FullRefresh, "Full refresh", subs...))
}
