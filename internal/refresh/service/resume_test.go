package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/service"
	"github.com/intelboard/intelboard/internal/refresh/stream"
)

func stepPayloads(t *testing.T, events []stream.Event) []stream.StepPayload {
	t.Helper()
	var out []stream.StepPayload
	for _, ev := range events {
		if ev.Name != stream.EventStep {
			continue
		}
		var p stream.StepPayload
		require.NoError(t, json.Unmarshal(ev.Data, &p))
		out = append(out, p)
	}
	return out
}

// statusesByStep groups the step statuses seen in events by step index.
func statusesByStep(t *testing.T, events []stream.Event) map[int][]jobs.StepStatus {
	t.Helper()
	out := map[int][]jobs.StepStatus{}
	for _, p := range stepPayloads(t, events) {
		out[p.StepIndex] = append(out[p.StepIndex], p.Step.Status)
	}
	return out
}

func TestResume_ReplaysFromHub(t *testing.T) {
	svc := newService(jobs.NewMemoryStore(), demoRegistry(nil), service.Config{})

	started, err := svc.Start(context.Background(), request("loc-1"))
	require.NoError(t, err)
	original := drain(t, started.Subscription)

	sub, err := svc.Resume(context.Background(), started.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, names(original), names(drain(t, sub)))
}

func TestResume_RebuildsFinishedJobFromStore(t *testing.T) {
	store := jobs.NewMemoryStore()
	first := newService(store, demoRegistry(nil), service.Config{})
	started, err := first.Start(context.Background(), request("loc-1"))
	require.NoError(t, err)
	drain(t, started.Subscription)
	require.NoError(t, first.Shutdown(context.Background()))

	// A second process shares the store but not the hub.
	second := newService(store, demoRegistry(nil), service.Config{})
	sub, err := second.Resume(context.Background(), started.Job.ID)
	require.NoError(t, err)

	events := drain(t, sub)
	assert.Equal(t, []string{"init", "step", "step", "step", "step", "done"}, names(events))

	steps := stepPayloads(t, events)
	type seenStep struct {
		index    int
		status   jobs.StepStatus
		progress int
	}
	got := make([]seenStep, len(steps))
	for i, p := range steps {
		got[i] = seenStep{p.StepIndex, p.Step.Status, p.Progress}
	}
	assert.Equal(t, []seenStep{
		{0, jobs.StepRunning, 0},
		{0, jobs.StepComplete, 50},
		{1, jobs.StepRunning, 50},
		{1, jobs.StepComplete, 100},
	}, got)
	assert.Nil(t, steps[0].Step.Preview, "running events carry no preview")
	assert.NotNil(t, steps[1].Step.Preview)

	done := donePayload(t, events)
	assert.Equal(t, jobs.JobStatusCompleted, done.Status)
	assert.Equal(t, "/locations/loc-1", done.RedirectURL)
}

func TestResume_FollowsRunningJob(t *testing.T) {
	ctx := context.Background()
	store := jobs.NewMemoryStore()
	job, err := store.Create(ctx, jobs.NewJob{
		OrganizationID: "org-1",
		LocationID:     "loc-1",
		Type:           "demo",
		Steps:          []jobs.StepSpec{{Name: "first", Label: "First"}, {Name: "second", Label: "Second"}},
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStep(ctx, job.ID, 0, jobs.Step{Status: jobs.StepRunning}))

	svc := newService(store, demoRegistry(nil), service.Config{ResumePollInterval: 5 * time.Millisecond})
	sub, err := svc.Resume(ctx, job.ID)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.UpdateStep(ctx, job.ID, 0, jobs.Step{Status: jobs.StepComplete})
		_ = store.UpdateStep(ctx, job.ID, 1, jobs.Step{Status: jobs.StepRunning})
		_ = store.UpdateStep(ctx, job.ID, 1, jobs.Step{Status: jobs.StepFailed, Error: "boom"})
		_ = store.Complete(ctx, job.ID, jobs.Result{Warnings: []string{"Second: boom"}, RedirectURL: "/locations/loc-1"})
	}()

	events := drain(t, sub)
	assert.Equal(t, "init", events[0].Name)
	assert.Equal(t, "step", events[1].Name)
	assert.Equal(t, map[int][]jobs.StepStatus{
		0: {jobs.StepRunning, jobs.StepComplete},
		1: {jobs.StepRunning, jobs.StepFailed},
	}, statusesByStep(t, events))
	done := donePayload(t, events)
	assert.Equal(t, jobs.JobStatusCompleted, done.Status)
	assert.Equal(t, []string{"Second: boom"}, done.Warnings)
}

func TestResume_UnknownJob(t *testing.T) {
	svc := newService(jobs.NewMemoryStore(), demoRegistry(nil), service.Config{})

	_, err := svc.Resume(context.Background(), jobs.NewJobID())
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)

	_, err = svc.Resume(context.Background(), jobs.NewEphemeralJobID())
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}
