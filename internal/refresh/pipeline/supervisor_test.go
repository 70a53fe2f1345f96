//nolint:testpackage
package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/stream"
)

type signalCtx struct {
	items int
}

func signalPipeline(name string, buildErr error, failures int) *Pipeline[*signalCtx] {
	build := func(context.Context, Target) (*signalCtx, error) {
		if buildErr != nil {
			return nil, buildErr
		}
		return &signalCtx{}, nil
	}
	steps := []Step[*signalCtx]{
		{Name: "fetch", Run: func(_ context.Context, c *signalCtx) (*jobs.Preview, error) {
			if failures > 0 {
				return nil, errors.New("provider unavailable")
			}
			c.items = 3
			return jobs.CountPreview("items", c.items), nil
		}},
		{Name: "normalize", Run: func(_ context.Context, c *signalCtx) (*jobs.Preview, error) {
			if failures > 1 {
				return nil, errors.New("nothing to normalize")
			}
			return nil, nil
		}},
		{Name: "save", Run: func(context.Context, *signalCtx) (*jobs.Preview, error) {
			return nil, nil
		}},
	}
	return New(name, "", build, steps...)
}

func TestSupervisor_Scenario(t *testing.T) {
	sup := Supervisor("full_refresh", "Full refresh",
		signalPipeline("seo", errors.New("location has no website"), 0),
		signalPipeline("menus", nil, 0),
		signalPipeline("events", nil, 2),
	)
	plan, err := sup.Plan(context.Background(), Target{OrganizationID: "org-1", LocationID: "loc-1"})
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 3)
	assert.Equal(t, "Seo", plan.Tasks[0].Label)

	store := jobs.NewMemoryStore()
	id := createJob(t, store, plan.Tasks)
	rec := stream.NewRecorder()

	res, err := NewRunner(store).Run(context.Background(), RunParams{JobID: id, Tasks: plan.Tasks, Channel: rec})
	require.NoError(t, err)

	assert.Equal(t, jobs.JobStatusCompleted, res.Status)
	assert.Empty(t, res.Warnings)

	job, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	for i, step := range job.Steps {
		assert.Equal(t, jobs.StepComplete, step.Status, "supervisor step %d", i)
	}

	seo := job.Steps[0].Preview.Pipeline
	require.NotNil(t, seo)
	assert.True(t, seo.Skipped)
	assert.Equal(t, "location has no website", seo.Reason)

	menus := job.Steps[1].Preview.Pipeline
	require.NotNil(t, menus)
	assert.False(t, menus.Skipped)
	assert.Equal(t, 3, menus.TotalSteps)
	assert.Equal(t, 3, menus.Completed)
	assert.Equal(t, 0, menus.Failed)
	assert.Empty(t, menus.Warnings)

	events := job.Steps[2].Preview.Pipeline
	require.NotNil(t, events)
	assert.Equal(t, 1, events.Completed)
	assert.Equal(t, 2, events.Failed)
	assert.Equal(t, []string{"Fetch: provider unavailable", "Normalize: nothing to normalize"}, events.Warnings)

	// Sub-pipelines emit nothing on the primary channel.
	steps, err := rec.StepPayloads()
	require.NoError(t, err)
	assert.Len(t, steps, 6)
}

func TestSupervisor_SpecsListSubPipelines(t *testing.T) {
	sup := Supervisor("full_refresh", "", signalPipeline("seo", nil, 0), signalPipeline("foot_traffic", nil, 0))
	assert.Equal(t, []jobs.StepSpec{
		{Name: "seo", Label: "Seo"},
		{Name: "foot_traffic", Label: "Foot Traffic"},
	}, sup.Specs())
	assert.Equal(t, "Full Refresh", sup.Label())
}

func TestRootCause(t *testing.T) {
	inner := errors.New("missing coordinates")
	wrapped := errors.Join(ErrContextUnavailable, inner)
	assert.Equal(t, "missing coordinates", rootCause(wrapped))
	assert.Equal(t, "plain", rootCause(errors.New("plain")))
}
