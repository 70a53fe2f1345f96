//nolint:testpackage
package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(signalPipeline("foot_traffic", nil, 0)))

	def, ok := reg.Lookup("FootTraffic")
	require.True(t, ok)
	assert.Equal(t, "foot_traffic", def.Name())

	_, ok = reg.Lookup("foot-traffic")
	assert.True(t, ok)

	err := reg.Register(signalPipeline("footTraffic", nil, 0))
	assert.Error(t, err, "normalized names collide")
}

func TestRegistry_Types(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(signalPipeline("seo", nil, 0), signalPipeline("menus", nil, 0))

	types := reg.Types()
	require.Len(t, types, 2)
	assert.Equal(t, "menus", types[0].Name)
	assert.Equal(t, "seo", types[1].Name)
	assert.Len(t, types[1].Steps, 3)
}

func TestRegistry_PlanErrors(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(signalPipeline("seo", errors.New("no website"), 0))

	_, err := reg.Plan(context.Background(), "weather", Target{})
	assert.ErrorIs(t, err, ErrUnknownJobType)

	_, err = reg.Plan(context.Background(), "seo", Target{})
	assert.ErrorIs(t, err, ErrContextUnavailable)
	assert.Contains(t, err.Error(), "no website")
}

func TestRegistry_PlanNormalizesJobType(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(signalPipeline("foot_traffic", nil, 0))

	plan, err := reg.Plan(context.Background(), "FootTraffic", Target{LocationID: "loc-1"})
	require.NoError(t, err)
	assert.Equal(t, "foot_traffic", plan.JobType)
	assert.Len(t, plan.Tasks, 3)
}

func TestDefaultLabel(t *testing.T) {
	assert.Equal(t, "Fetch Seo", DefaultLabel("fetch_seo"))
	assert.Equal(t, "Generate Insights", DefaultLabel("generate_insights"))
}

func TestBind_ExclusiveOwnership(t *testing.T) {
	type counter struct{ n int }
	c := &counter{}
	steps := []Step[*counter]{
		{Name: "inc", Run: func(_ context.Context, c *counter) (*jobs.Preview, error) {
			n := c.n
			c.n = n + 1
			return nil, nil
		}},
	}
	tasks := Bind(c, steps)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tasks[0].Run(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, c.n)
}

func TestBind_WaitForOwnerHonoursContext(t *testing.T) {
	release := make(chan struct{})
	steps := []Step[struct{}]{
		{Name: "hold", Run: func(context.Context, struct{}) (*jobs.Preview, error) {
			<-release
			return nil, nil
		}},
		{Name: "next", Run: func(context.Context, struct{}) (*jobs.Preview, error) {
			return nil, nil
		}},
	}
	tasks := Bind(struct{}{}, steps)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = tasks[0].Run(context.Background())
	}()
	<-started
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tasks[1].Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}
