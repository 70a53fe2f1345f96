package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/intelboard/intelboard/internal/logger"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
)

// Streamer opens job event streams. *Client satisfies it.
type Streamer interface {
	ListActive(ctx context.Context, organizationID string, opts ListOptions) ([]JobView, error)
	OpenStartStream(ctx context.Context, req StartRequest) (*EventReader, error)
	OpenResumeStream(ctx context.Context, id jobs.JobID) (*EventReader, error)
}

var _ Streamer = (*Client)(nil)

// StartParams describes the job a runner starts.
type StartParams struct {
	OrganizationID string
	LocationID     string
	JobType        string
	DryRun         bool
	// ResumeExisting attaches to a job already running for the same target
	// instead of starting a duplicate.
	ResumeExisting bool
}

// RunnerOption configures a JobRunner.
type RunnerOption func(*JobRunner)

// WithAutoReconnect makes the runner re-attach once when the stream drops mid-run.
func WithAutoReconnect() RunnerOption {
	return func(r *JobRunner) { r.autoReconnect = true }
}

// WithTickInterval sets how often Elapsed is refreshed.
func WithTickInterval(d time.Duration) RunnerOption {
	return func(r *JobRunner) { r.tick = d }
}

// WithOnChange registers a callback receiving every new state.
func WithOnChange(fn func(State)) RunnerOption {
	return func(r *JobRunner) { r.onChange = fn }
}

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(l arbor.ILogger) RunnerOption {
	return func(r *JobRunner) { r.logger = l }
}

// JobRunner drives one job run at a time: it opens the event stream, folds
// events into State with Reduce and keeps an elapsed-time ticker.
type JobRunner struct {
	api           Streamer
	autoReconnect bool
	tick          time.Duration
	onChange      func(State)
	logger        arbor.ILogger

	mu        sync.Mutex
	state     State
	gen       uint64
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	notifyMu sync.Mutex
}

// NewJobRunner creates an idle runner.
func NewJobRunner(api Streamer, opts ...RunnerOption) *JobRunner {
	done := make(chan struct{})
	close(done)
	r := &JobRunner{
		api:    api,
		tick:   time.Second,
		state:  State{Status: StatusIdle},
		cancel: func() {},
		done:   done,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logger.Discard()
	}
	return r
}

// State returns a snapshot of the current run.
func (r *JobRunner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Done is closed when the current run stops reading events.
func (r *JobRunner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Start resets the runner and starts a job. Events are consumed in the
// background until the run finishes, ctx ends or Reset is called.
func (r *JobRunner) Start(ctx context.Context, p StartParams) error {
	gen, runCtx, done := r.reset(ctx, "")

	if p.ResumeExisting && !p.DryRun {
		active, err := r.api.ListActive(runCtx, p.OrganizationID, ListOptions{LocationID: p.LocationID, JobType: p.JobType})
		if err != nil {
			return r.fail(gen, done, err)
		}
		for _, view := range active {
			if view.Job != nil {
				r.logger.Info().Str("job_id", string(view.Job.ID)).Msg("Attaching to running job")
				return r.attach(runCtx, gen, done, view.Job.ID)
			}
		}
	}

	reader, err := r.api.OpenStartStream(runCtx, StartRequest{
		OrganizationID: p.OrganizationID,
		LocationID:     p.LocationID,
		JobType:        p.JobType,
		DryRun:         p.DryRun,
	})
	if err != nil {
		var apiErr *APIError
		if p.ResumeExisting && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict && apiErr.JobID != "" {
			return r.attach(runCtx, gen, done, jobs.JobID(apiErr.JobID))
		}
		return r.fail(gen, done, err)
	}
	go r.run(runCtx, gen, done, reader)
	return nil
}

// Reconnect resets the runner and attaches to an existing job.
func (r *JobRunner) Reconnect(ctx context.Context, id jobs.JobID) error {
	gen, runCtx, done := r.reset(ctx, id)
	return r.attach(runCtx, gen, done, id)
}

// Reset stops the current run and returns to idle.
func (r *JobRunner) Reset() {
	r.mu.Lock()
	r.gen++
	r.cancel()
	r.cancel = func() {}
	r.state = State{Status: StatusIdle}
	snapshot := r.state.Clone()
	r.mu.Unlock()
	r.notify(snapshot)
}

func (r *JobRunner) reset(ctx context.Context, id jobs.JobID) (uint64, context.Context, chan struct{}) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	r.gen++
	r.cancel()
	r.cancel = cancel
	r.done = done
	r.startedAt = time.Now()
	r.state = State{Status: StatusChecking, JobID: id}
	gen := r.gen
	snapshot := r.state.Clone()
	r.mu.Unlock()

	r.notify(snapshot)
	return gen, runCtx, done
}

func (r *JobRunner) attach(ctx context.Context, gen uint64, done chan struct{}, id jobs.JobID) error {
	r.update(gen, func(s *State) { s.JobID = id })
	reader, err := r.api.OpenResumeStream(ctx, id)
	if err != nil {
		return r.fail(gen, done, err)
	}
	go r.run(ctx, gen, done, reader)
	return nil
}

// fail ends a run that never received events.
func (r *JobRunner) fail(gen uint64, done chan struct{}, err error) error {
	msg := ConnectivityError
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" {
		msg = apiErr.Detail
	}
	r.update(gen, func(s *State) {
		s.Status = StatusFailed
		s.Error = msg
	})
	close(done)
	return err
}

func (r *JobRunner) run(ctx context.Context, gen uint64, done chan struct{}, reader *EventReader) {
	defer close(done)
	defer logger.Recover(r.logger, "job runner")

	stopTicker := make(chan struct{})
	defer close(stopTicker)
	go r.tickElapsed(gen, stopTicker)

	reconnected := false
	for {
		err := r.pump(gen, reader)
		_ = reader.Close()
		if err == nil || ctx.Err() != nil {
			return
		}

		st := r.State()
		if !st.Seen {
			r.logger.Warn().Err(err).Msg("Event stream failed before any progress")
			r.update(gen, func(s *State) {
				s.Status = StatusFailed
				s.Error = ConnectivityError
			})
			return
		}
		r.logger.Warn().Err(err).Str("job_id", string(st.JobID)).Msg("Event stream disconnected")
		r.update(gen, func(s *State) { s.Disconnected = true })
		if !r.autoReconnect || reconnected || st.JobID == "" {
			return
		}

		reconnected = true
		reader, err = r.api.OpenResumeStream(ctx, st.JobID)
		if err != nil {
			r.logger.Warn().Err(err).Str("job_id", string(st.JobID)).Msg("Reconnect failed")
			return
		}
	}
}

// pump reads events until a terminal state. It returns nil when the run
// finished and the read error otherwise.
func (r *JobRunner) pump(gen uint64, reader *EventReader) error {
	for {
		ev, err := reader.Next()
		if err != nil {
			return err
		}
		terminal := false
		r.update(gen, func(s *State) {
			*s = Reduce(*s, ev)
			terminal = s.Status.IsTerminal()
		})
		if terminal {
			return nil
		}
	}
}

func (r *JobRunner) tickElapsed(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		r.update(gen, func(*State) {})
	}
}

// update applies fn to the state of run gen and notifies. Calls for a
// superseded run are dropped.
func (r *JobRunner) update(gen uint64, fn func(*State)) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	wasTerminal := r.state.Status.IsTerminal()
	fn(&r.state)
	if !wasTerminal {
		r.state.Elapsed = time.Since(r.startedAt)
	}
	snapshot := r.state.Clone()
	r.mu.Unlock()
	r.notify(snapshot)
}

func (r *JobRunner) notify(s State) {
	if r.onChange == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.onChange(s)
}
