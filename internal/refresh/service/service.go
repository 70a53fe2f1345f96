// Package service starts, tracks and resumes refresh jobs.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/semaphore"

	"github.com/intelboard/intelboard/internal/logger"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/pipeline"
	"github.com/intelboard/intelboard/internal/refresh/stream"
)

var (
	// ErrJobAlreadyRunning is returned when the location already has a running job of the same type.
	ErrJobAlreadyRunning = errors.New("job already running")

	// ErrTooManyJobs is returned when the tenant is at its concurrent job limit.
	ErrTooManyJobs = errors.New("too many concurrent jobs for organization")

	// ErrInvalidRequest is returned when a start request is missing fields.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrJobNotRunning is returned when cancelling a job this process is not running.
	ErrJobNotRunning = errors.New("job is not running in this process")

	// ErrShuttingDown is returned once Shutdown has been called.
	ErrShuttingDown = errors.New("service is shutting down")
)

// AlreadyRunningError carries the job that blocked a duplicate start.
type AlreadyRunningError struct {
	Job *jobs.Job
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s: %s", ErrJobAlreadyRunning, e.Job.ID)
}

func (e *AlreadyRunningError) Unwrap() error {
	return ErrJobAlreadyRunning
}

// Config tunes the service.
type Config struct {
	// RedirectBase is the path the caller is sent to after a job, followed by the location id.
	RedirectBase       string
	MaxJobsPerTenant   int64
	RecentWindow       time.Duration
	ResumePollInterval time.Duration
}

// StartRequest describes a job to start.
type StartRequest struct {
	OrganizationID string `json:"organizationId"`
	LocationID     string `json:"locationId"`
	JobType        string `json:"jobType"`
	// DryRun runs with an ephemeral id: events only, nothing persisted.
	DryRun bool `json:"dryRun,omitempty"`
	// AllowDuplicate starts even when the same job type is running for the location.
	AllowDuplicate bool `json:"allowDuplicate,omitempty"`
}

// Started is returned by Start. Subscription replays the job's events from init.
type Started struct {
	Job          *jobs.Job
	RedirectURL  string
	Subscription *stream.Subscription
}

// Service is the refresh job service.
type Service struct {
	store    jobs.Store
	registry *pipeline.Registry
	runner   *pipeline.Runner
	hub      *stream.Hub
	cfg      Config
	logger   arbor.ILogger

	lifetime context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	tenants map[string]*semaphore.Weighted
	running map[jobs.JobID]context.CancelFunc
	closing bool
}

// New creates a service. Jobs run on a context owned by the service, not by
// the request that started them.
func New(store jobs.Store, registry *pipeline.Registry, runner *pipeline.Runner, hub *stream.Hub, cfg Config, log arbor.ILogger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	if cfg.MaxJobsPerTenant <= 0 {
		cfg.MaxJobsPerTenant = 3
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 24 * time.Hour
	}
	if cfg.ResumePollInterval <= 0 {
		cfg.ResumePollInterval = 2 * time.Second
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Service{
		store:    store,
		registry: registry,
		runner:   runner,
		hub:      hub,
		cfg:      cfg,
		logger:   log,
		lifetime: lifetime,
		stop:     stop,
		tenants:  make(map[string]*semaphore.Weighted),
		running:  make(map[jobs.JobID]context.CancelFunc),
	}
}

// Hub returns the event hub the service publishes to.
func (s *Service) Hub() *stream.Hub {
	return s.hub
}

// RedirectURL returns the post-job target for a location.
func (s *Service) RedirectURL(locationID string) string {
	return strings.TrimSuffix(s.cfg.RedirectBase, "/") + "/" + url.PathEscape(locationID)
}

// Start plans and launches a job. The plan is built before anything is
// persisted, so a location that cannot run the job type creates no record.
func (s *Service) Start(ctx context.Context, req StartRequest) (*Started, error) {
	if req.OrganizationID == "" || req.LocationID == "" || req.JobType == "" {
		return nil, fmt.Errorf("%w: organizationId, locationId and jobType are required", ErrInvalidRequest)
	}
	target := pipeline.Target{OrganizationID: req.OrganizationID, LocationID: req.LocationID}

	plan, err := s.registry.Plan(ctx, req.JobType, target)
	if err != nil {
		return nil, err
	}

	// Duplicate check and creation are serialized so two requests cannot
	// both pass the check.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, ErrShuttingDown
	}

	if !req.DryRun && !req.AllowDuplicate {
		active, err := s.store.ListActive(ctx, jobs.ListFilter{
			OrganizationID: req.OrganizationID,
			LocationID:     req.LocationID,
			Type:           plan.JobType,
		})
		if err != nil {
			return nil, fmt.Errorf("check active jobs: %w", err)
		}
		if len(active) > 0 {
			return nil, &AlreadyRunningError{Job: active[0]}
		}
	}

	sem := s.tenantLocked(req.OrganizationID)
	if !sem.TryAcquire(1) {
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManyJobs, s.cfg.MaxJobsPerTenant)
	}

	job, err := s.createJob(ctx, req, plan)
	if err != nil {
		sem.Release(1)
		return nil, err
	}

	redirect := s.RedirectURL(req.LocationID)
	topic, err := s.hub.Open(job.ID)
	if err != nil {
		sem.Release(1)
		s.abandon(ctx, job.ID, redirect, err)
		return nil, err
	}
	if err := topic.Send(stream.EventInit, stream.InitPayload{JobID: job.ID, Steps: job.Steps}); err != nil {
		sem.Release(1)
		_ = topic.Close()
		s.abandon(ctx, job.ID, redirect, err)
		return nil, err
	}
	sub := topic.Subscribe()

	runCtx, cancel := context.WithCancel(s.lifetime)
	s.running[job.ID] = cancel
	s.wg.Add(1)
	go s.run(runCtx, job, plan, topic, redirect, func() {
		cancel()
		sem.Release(1)
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
		s.wg.Done()
	})

	s.logger.Info().
		Str("job_id", string(job.ID)).
		Str("organization_id", req.OrganizationID).
		Str("location_id", req.LocationID).
		Str("job_type", plan.JobType).
		Bool("dry_run", req.DryRun).
		Msg("Job accepted")

	return &Started{Job: job, RedirectURL: redirect, Subscription: sub}, nil
}

func (s *Service) createJob(ctx context.Context, req StartRequest, plan *pipeline.Plan) (*jobs.Job, error) {
	if req.DryRun {
		now := time.Now().UTC()
		specs := plan.Specs()
		return &jobs.Job{
			ID:             jobs.NewEphemeralJobID(),
			OrganizationID: req.OrganizationID,
			LocationID:     req.LocationID,
			Type:           plan.JobType,
			Status:         jobs.JobStatusRunning,
			TotalSteps:     len(specs),
			Steps:          jobs.QueuedSteps(specs),
			CreatedAt:      now,
			UpdatedAt:      now,
		}, nil
	}
	job, err := s.store.Create(ctx, jobs.NewJob{
		OrganizationID: req.OrganizationID,
		LocationID:     req.LocationID,
		Type:           plan.JobType,
		Steps:          plan.Specs(),
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// abandon fails a created job that never reached the runner.
func (s *Service) abandon(ctx context.Context, id jobs.JobID, redirect string, cause error) {
	if id.IsEphemeral() {
		return
	}
	result := jobs.Result{Warnings: []string{}, RedirectURL: redirect, Error: "job could not be started: " + cause.Error()}
	if err := s.store.Fail(context.WithoutCancel(ctx), id, result); err != nil {
		s.logger.Warn().Err(err).Str("job_id", string(id)).Msg("Failed to mark abandoned job failed")
	}
}

func (s *Service) run(ctx context.Context, job *jobs.Job, plan *pipeline.Plan, topic *stream.Topic, redirect string, release func()) {
	defer release()
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		msg := fmt.Sprintf("internal error: %v", rec)
		s.logger.Error().Str("job_id", string(job.ID)).Str("panic", fmt.Sprintf("%v", rec)).Msg("Job run panicked")
		_ = topic.Send(stream.EventError, stream.ErrorPayload{Error: msg})
		_ = topic.Close()
		if !job.ID.IsEphemeral() {
			if err := s.store.Fail(context.WithoutCancel(ctx), job.ID, jobs.Result{Warnings: []string{}, RedirectURL: redirect, Error: msg}); err != nil {
				s.logger.Warn().Err(err).Str("job_id", string(job.ID)).Msg("Failed to mark panicked job failed")
			}
		}
	}()

	if _, err := s.runner.Run(ctx, pipeline.RunParams{
		JobID:       job.ID,
		JobType:     plan.JobType,
		Tasks:       plan.Tasks,
		Channel:     topic,
		RedirectURL: redirect,
	}); err != nil {
		s.logger.Error().Err(err).Str("job_id", string(job.ID)).Msg("Job run failed to start")
		_ = topic.Send(stream.EventError, stream.ErrorPayload{Error: err.Error()})
		_ = topic.Close()
	}
}

func (s *Service) tenantLocked(org string) *semaphore.Weighted {
	sem, ok := s.tenants[org]
	if !ok {
		sem = semaphore.NewWeighted(s.cfg.MaxJobsPerTenant)
		s.tenants[org] = sem
	}
	return sem
}

// Cancel stops a job running in this process. Its remaining steps are
// skipped and the job is marked failed.
func (s *Service) Cancel(_ context.Context, id jobs.JobID) error {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotRunning
	}
	cancel()
	s.logger.Info().Str("job_id", string(id)).Msg("Job cancellation requested")
	return nil
}

// Get returns a persisted job.
func (s *Service) Get(ctx context.Context, id jobs.JobID) (*jobs.Job, error) {
	if id.IsEphemeral() {
		return nil, jobs.ErrJobNotFound
	}
	return s.store.Get(ctx, id)
}

// ListActive returns running jobs for the tenant.
func (s *Service) ListActive(ctx context.Context, filter jobs.ListFilter) ([]*jobs.Job, error) {
	if filter.OrganizationID == "" {
		return nil, fmt.Errorf("%w: organizationId is required", ErrInvalidRequest)
	}
	filter.Type = normalizeFilterType(filter.Type)
	return s.store.ListActive(ctx, filter)
}

// ListRecent returns jobs updated within the window, or the configured
// default window when within is zero.
func (s *Service) ListRecent(ctx context.Context, filter jobs.ListFilter, within time.Duration) ([]*jobs.Job, error) {
	if filter.OrganizationID == "" {
		return nil, fmt.Errorf("%w: organizationId is required", ErrInvalidRequest)
	}
	if within <= 0 {
		within = s.cfg.RecentWindow
	}
	filter.Type = normalizeFilterType(filter.Type)
	return s.store.ListRecent(ctx, filter, within)
}

func normalizeFilterType(t string) string {
	if t == "" {
		return ""
	}
	return pipeline.NormalizeType(t)
}

// JobTypes lists the registered job types.
func (s *Service) JobTypes() []pipeline.TypeInfo {
	return s.registry.Types()
}

// Shutdown cancels running jobs and waits for them to be finalized.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
