package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stoewer/go-strcase"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
)

// TypeInfo describes a registered job type.
type TypeInfo struct {
	Name  string          `json:"name"`
	Label string          `json:"label"`
	Steps []jobs.StepSpec `json:"steps"`
}

// Registry maps job-type tags to their definitions.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Definition)}
}

// NormalizeType maps "FullRefresh", "full-refresh" and "full_refresh" to the same tag.
func NormalizeType(jobType string) string {
	return strcase.SnakeCase(jobType)
}

// Register adds def under its normalized name.
func (r *Registry) Register(def Definition) error {
	name := NormalizeType(def.Name())
	if name == "" {
		return fmt.Errorf("job type name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[name]; ok {
		return fmt.Errorf("job type %q already registered", name)
	}
	r.types[name] = def
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the definition for jobType.
func (r *Registry) Lookup(jobType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[NormalizeType(jobType)]
	return def, ok
}

// Types lists every registered job type, sorted by name.
func (r *Registry) Types() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TypeInfo, 0, len(r.types))
	for name, def := range r.types {
		out = append(out, TypeInfo{Name: name, Label: def.Label(), Steps: def.Specs()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Plan resolves jobType and builds its plan for target.
func (r *Registry) Plan(ctx context.Context, jobType string, target Target) (*Plan, error) {
	def, ok := r.Lookup(jobType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	plan, err := def.Plan(ctx, target)
	if err != nil {
		return nil, err
	}
	plan.JobType = NormalizeType(def.Name())
	return plan, nil
}
