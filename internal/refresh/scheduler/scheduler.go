// Package scheduler starts periodic refreshes and prunes finished job topics.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/intelboard/intelboard/internal/logger"
	"github.com/intelboard/intelboard/internal/refresh/catalog"
	"github.com/intelboard/intelboard/internal/refresh/service"
)

// PruneSchedule is when closed job topics older than the retention window are dropped.
const PruneSchedule = "@hourly"

// Starter starts jobs. *service.Service satisfies it.
type Starter interface {
	Start(ctx context.Context, req service.StartRequest) (*service.Started, error)
}

// Pruner drops finished job topics. *stream.Hub satisfies it.
type Pruner interface {
	Prune(retention time.Duration) int
}

// Scheduler runs cron entries for scheduled locations.
type Scheduler struct {
	cron      *cron.Cron
	starter   Starter
	pruner    Pruner
	retention time.Duration
	logger    arbor.ILogger

	mu      sync.Mutex
	entries map[string]cron.EntryID // location id → cron entry
}

// New creates a scheduler. pruner may be nil.
func New(starter Starter, pruner Pruner, retention time.Duration, log arbor.ILogger) *Scheduler {
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{
		cron:      cron.New(),
		starter:   starter,
		pruner:    pruner,
		retention: retention,
		logger:    log,
		entries:   make(map[string]cron.EntryID),
	}
}

// Load adds one entry per location with a schedule. Invalid schedules are
// logged and skipped.
func (s *Scheduler) Load(locations []catalog.Location) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = make(map[string]cron.EntryID)

	for _, loc := range locations {
		if loc.Schedule == "" {
			continue
		}
		req := service.StartRequest{
			OrganizationID: loc.OrganizationID,
			LocationID:     loc.ID,
			JobType:        loc.JobType,
		}
		if req.JobType == "" {
			req.JobType = catalog.FullRefresh
		}
		entryID, err := s.cron.AddFunc(loc.Schedule, s.trigger(req))
		if err != nil {
			s.logger.Warn().Err(err).
				Str("location_id", loc.ID).
				Str("schedule", loc.Schedule).
				Msg("Invalid refresh schedule")
			continue
		}
		s.entries[loc.ID] = entryID
		s.logger.Info().
			Str("location_id", loc.ID).
			Str("schedule", loc.Schedule).
			Str("job_type", req.JobType).
			Msg("Scheduled refresh")
	}
	return len(s.entries)
}

// trigger returns the cron callback for one location.
func (s *Scheduler) trigger(req service.StartRequest) func() {
	return func() {
		defer logger.Recover(s.logger, "scheduled refresh "+req.LocationID)
		if err := s.Trigger(context.Background(), req); err != nil {
			s.logger.Warn().Err(err).Str("location_id", req.LocationID).Msg("Scheduled refresh failed to start")
		}
	}
}

// Trigger starts one scheduled refresh. A job already running for the
// location is not an error.
func (s *Scheduler) Trigger(ctx context.Context, req service.StartRequest) error {
	started, err := s.starter.Start(ctx, req)
	switch {
	case err == nil:
		s.logger.Info().
			Str("job_id", string(started.Job.ID)).
			Str("location_id", req.LocationID).
			Msg("Scheduled refresh started")
		return nil
	case errors.Is(err, service.ErrJobAlreadyRunning):
		s.logger.Info().Str("location_id", req.LocationID).Msg("Scheduled refresh skipped, job already running")
		return nil
	default:
		return fmt.Errorf("start %s for %s: %w", req.JobType, req.LocationID, err)
	}
}

// Start loads the prune entry and starts the cron loop.
func (s *Scheduler) Start() error {
	if s.pruner != nil && s.retention > 0 {
		if _, err := s.cron.AddFunc(PruneSchedule, s.Prune); err != nil {
			return fmt.Errorf("schedule topic prune: %w", err)
		}
	}
	s.cron.Start()
	s.logger.Info().Int("entries", len(s.cron.Entries())).Msg("Scheduler started")
	return nil
}

// Prune drops closed topics older than the retention window.
func (s *Scheduler) Prune() {
	if s.pruner == nil {
		return
	}
	if n := s.pruner.Prune(s.retention); n > 0 {
		s.logger.Debug().Int("removed", n).Msg("Pruned finished job topics")
	}
}

// Stop stops the cron loop and waits for running callbacks.
func (s *Scheduler) Stop(ctx context.Context) {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.logger.Info().Msg("Scheduler stopped")
}

// Entries returns the number of scheduled locations.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
