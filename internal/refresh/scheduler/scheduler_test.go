package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/intelboard/internal/refresh/catalog"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/service"
)

type fakeStarter struct {
	mu   sync.Mutex
	reqs []service.StartRequest
	err  error
}

func (f *fakeStarter) Start(_ context.Context, req service.StartRequest) (*service.Started, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &service.Started{Job: &jobs.Job{ID: jobs.NewJobID()}}, nil
}

type fakePruner struct {
	retention time.Duration
	calls     int
}

func (f *fakePruner) Prune(retention time.Duration) int {
	f.retention = retention
	f.calls++
	return 1
}

func TestLoad_SkipsUnscheduledAndInvalid(t *testing.T) {
	s := New(&fakeStarter{}, nil, 0, nil)

	n := s.Load([]catalog.Location{
		{ID: "a", OrganizationID: "org", Schedule: "0 6 * * *"},
		{ID: "b", OrganizationID: "org"},
		{ID: "c", OrganizationID: "org", Schedule: "not a schedule"},
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Entries())

	// Reloading replaces previous entries.
	n = s.Load([]catalog.Location{{ID: "d", OrganizationID: "org", Schedule: "@daily"}})
	assert.Equal(t, 1, n)
	assert.Len(t, s.cron.Entries(), 1)
}

func TestTrigger_DefaultsToFullRefresh(t *testing.T) {
	starter := &fakeStarter{}
	s := New(starter, nil, 0, nil)
	s.Load([]catalog.Location{{ID: "a", OrganizationID: "org", Schedule: "@daily"}})

	s.cron.Entries()[0].Job.Run()

	require.Len(t, starter.reqs, 1)
	assert.Equal(t, service.StartRequest{OrganizationID: "org", LocationID: "a", JobType: catalog.FullRefresh}, starter.reqs[0])
}

func TestTrigger_AlreadyRunningIsNotAnError(t *testing.T) {
	running := &service.AlreadyRunningError{Job: &jobs.Job{ID: jobs.NewJobID()}}
	s := New(&fakeStarter{err: running}, nil, 0, nil)
	assert.NoError(t, s.Trigger(context.Background(), service.StartRequest{LocationID: "a"}))

	s = New(&fakeStarter{err: service.ErrTooManyJobs}, nil, 0, nil)
	err := s.Trigger(context.Background(), service.StartRequest{LocationID: "a"})
	assert.True(t, errors.Is(err, service.ErrTooManyJobs))
}

func TestStart_AddsPruneEntry(t *testing.T) {
	pruner := &fakePruner{}
	s := New(&fakeStarter{}, pruner, time.Hour, nil)
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	assert.Len(t, s.cron.Entries(), 1)
	s.Prune()
	assert.Equal(t, 1, pruner.calls)
	assert.Equal(t, time.Hour, pruner.retention)
}
