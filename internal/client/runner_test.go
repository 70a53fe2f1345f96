package client_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/intelboard/internal/client"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
)

type fakeStreamer struct {
	mu          sync.Mutex
	active      []client.JobView
	starts      []func() (*client.EventReader, error)
	resume      func(id jobs.JobID) (*client.EventReader, error)
	startCalls  int
	resumeCalls []jobs.JobID
}

func (f *fakeStreamer) ListActive(context.Context, string, client.ListOptions) ([]client.JobView, error) {
	return f.active, nil
}

func (f *fakeStreamer) OpenStartStream(context.Context, client.StartRequest) (*client.EventReader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	open := f.starts[f.startCalls]
	f.startCalls++
	return open()
}

func (f *fakeStreamer) OpenResumeStream(_ context.Context, id jobs.JobID) (*client.EventReader, error) {
	f.mu.Lock()
	f.resumeCalls = append(f.resumeCalls, id)
	f.mu.Unlock()
	return f.resume(id)
}

func (f *fakeStreamer) calls() (int, []jobs.JobID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls, append([]jobs.JobID(nil), f.resumeCalls...)
}

func serve(frames ...string) func() (*client.EventReader, error) {
	return func() (*client.EventReader, error) { return reader(frames...), nil }
}

func wait(t *testing.T, r *client.JobRunner) client.State {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not finish")
	}
	return r.State()
}

var params = client.StartParams{OrganizationID: "org-1", LocationID: "loc-1", JobType: "seo"}

func TestJobRunner_Start(t *testing.T) {
	api := &fakeStreamer{starts: []func() (*client.EventReader, error){serve(runEvents(t, "job-1")...)}}

	var mu sync.Mutex
	var statuses []client.Status
	r := client.NewJobRunner(api, client.WithOnChange(func(s client.State) {
		mu.Lock()
		defer mu.Unlock()
		if len(statuses) == 0 || statuses[len(statuses)-1] != s.Status {
			statuses = append(statuses, s.Status)
		}
	}))
	assert.Equal(t, client.StatusIdle, r.State().Status)

	require.NoError(t, r.Start(context.Background(), params))
	state := wait(t, r)

	assert.Equal(t, client.StatusComplete, state.Status)
	assert.Equal(t, []string{"Save snapshot: timeout"}, state.Warnings)
	assert.Equal(t, []string{"Fetch rankings: 12 keywords"}, state.Summaries)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []client.Status{client.StatusChecking, client.StatusRunning, client.StatusComplete}, statuses)
}

func TestJobRunner_DisconnectBeforeAnyEvent(t *testing.T) {
	api := &fakeStreamer{starts: []func() (*client.EventReader, error){serve()}}
	r := client.NewJobRunner(api, client.WithAutoReconnect())

	require.NoError(t, r.Start(context.Background(), params))
	state := wait(t, r)

	assert.Equal(t, client.StatusFailed, state.Status)
	assert.Equal(t, client.ConnectivityError, state.Error)
	_, resumed := api.calls()
	assert.Empty(t, resumed)
}

func TestJobRunner_DisconnectMidRun(t *testing.T) {
	events := runEvents(t, "job-1")
	api := &fakeStreamer{starts: []func() (*client.EventReader, error){serve(events[:3]...)}}
	r := client.NewJobRunner(api)

	require.NoError(t, r.Start(context.Background(), params))
	state := wait(t, r)

	assert.Equal(t, client.StatusRunning, state.Status)
	assert.True(t, state.Disconnected)
	assert.Equal(t, 50, state.Progress)
}

func TestJobRunner_AutoReconnectOnce(t *testing.T) {
	events := runEvents(t, "job-1")
	api := &fakeStreamer{
		starts: []func() (*client.EventReader, error){serve(events[:3]...)},
		resume: func(jobs.JobID) (*client.EventReader, error) { return reader(events...), nil },
	}
	r := client.NewJobRunner(api, client.WithAutoReconnect())

	require.NoError(t, r.Start(context.Background(), params))
	state := wait(t, r)

	assert.Equal(t, client.StatusComplete, state.Status)
	assert.False(t, state.Disconnected)
	assert.Equal(t, []string{"Fetch rankings: 12 keywords"}, state.Summaries, "replayed steps are not summarized twice")
	_, resumed := api.calls()
	assert.Equal(t, []jobs.JobID{"job-1"}, resumed)
}

func TestJobRunner_ResumeExisting(t *testing.T) {
	api := &fakeStreamer{
		active: []client.JobView{{Job: &jobs.Job{ID: "job-9"}}},
		resume: func(id jobs.JobID) (*client.EventReader, error) { return reader(runEvents(t, id)...), nil },
	}
	r := client.NewJobRunner(api)

	p := params
	p.ResumeExisting = true
	require.NoError(t, r.Start(context.Background(), p))
	state := wait(t, r)

	assert.Equal(t, client.StatusComplete, state.Status)
	assert.Equal(t, jobs.JobID("job-9"), state.JobID)
	starts, resumed := api.calls()
	assert.Zero(t, starts)
	assert.Equal(t, []jobs.JobID{"job-9"}, resumed)
}

func TestJobRunner_ConflictAttachesToRunningJob(t *testing.T) {
	api := &fakeStreamer{
		starts: []func() (*client.EventReader, error){func() (*client.EventReader, error) {
			return nil, &client.APIError{StatusCode: http.StatusConflict, Detail: "already running", JobID: "job-7"}
		}},
		resume: func(id jobs.JobID) (*client.EventReader, error) { return reader(runEvents(t, id)...), nil },
	}
	r := client.NewJobRunner(api)

	p := params
	p.ResumeExisting = true
	require.NoError(t, r.Start(context.Background(), p))
	assert.Equal(t, jobs.JobID("job-7"), wait(t, r).JobID)
}

func TestJobRunner_StartRefused(t *testing.T) {
	refused := &client.APIError{StatusCode: http.StatusTooManyRequests, Detail: "too many jobs running for this organization"}
	api := &fakeStreamer{starts: []func() (*client.EventReader, error){
		func() (*client.EventReader, error) { return nil, refused },
		func() (*client.EventReader, error) { return nil, errors.New("connection refused") },
	}}
	r := client.NewJobRunner(api)

	err := r.Start(context.Background(), params)
	require.ErrorIs(t, err, refused)
	state := wait(t, r)
	assert.Equal(t, client.StatusFailed, state.Status)
	assert.Equal(t, refused.Detail, state.Error)

	require.Error(t, r.Start(context.Background(), params))
	assert.Equal(t, client.ConnectivityError, wait(t, r).Error)
}

func TestJobRunner_ResetAndElapsed(t *testing.T) {
	events := runEvents(t, "job-1")
	gate := make(chan struct{})
	api := &fakeStreamer{starts: []func() (*client.EventReader, error){func() (*client.EventReader, error) {
		return client.NewEventReader(&gatedBody{first: events[0], gate: gate}), nil
	}}}
	r := client.NewJobRunner(api, client.WithTickInterval(5*time.Millisecond))

	require.NoError(t, r.Start(context.Background(), params))
	assert.Eventually(t, func() bool {
		s := r.State()
		return s.Status == client.StatusRunning && s.Elapsed > 0
	}, 2*time.Second, 5*time.Millisecond)

	r.Reset()
	close(gate)
	assert.Equal(t, client.StatusIdle, r.State().Status)
	wait(t, r)
	assert.Equal(t, client.StatusIdle, r.State().Status)
}

// gatedBody yields first and then blocks until gate is closed.
type gatedBody struct {
	first string
	sent  bool
	gate  chan struct{}
}

func (b *gatedBody) Read(p []byte) (int, error) {
	if !b.sent {
		b.sent = true
		return copy(p, b.first), nil
	}
	<-b.gate
	return 0, errors.New("closed")
}

func (b *gatedBody) Close() error { return nil }
