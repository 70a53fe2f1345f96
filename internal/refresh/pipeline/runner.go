package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/intelboard/intelboard/internal/logger"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/stream"
	"github.com/intelboard/intelboard/internal/refresh/telemetry"
)

// DefaultStepTimeout bounds a step when the runner is not given a timeout.
const DefaultStepTimeout = 2 * time.Minute

// RunParams describes one job run.
type RunParams struct {
	JobID       jobs.JobID
	JobType     string
	Tasks       []Task
	Channel     stream.Channel // optional
	RedirectURL string
}

// RunResult is the outcome of a run. StepResults has one slot per step,
// nil for steps that did not complete.
type RunResult struct {
	Status      jobs.JobStatus
	Warnings    []string
	StepResults []*jobs.Preview
	Steps       []jobs.Step
	Cancelled   bool
}

// Completed counts steps that completed.
func (r *RunResult) Completed() int {
	return r.count(jobs.StepComplete)
}

// Failed counts steps that failed.
func (r *RunResult) Failed() int {
	return r.count(jobs.StepFailed)
}

func (r *RunResult) count(status jobs.StepStatus) int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == status {
			n++
		}
	}
	return n
}

// Runner executes plans sequentially with per-step failure isolation.
type Runner struct {
	store       jobs.Store
	logger      arbor.ILogger
	metrics     *telemetry.Metrics
	stepTimeout time.Duration
	now         func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithStepTimeout sets the default per-step timeout. Zero or negative disables it.
func WithStepTimeout(d time.Duration) Option {
	return func(r *Runner) { r.stepTimeout = d }
}

// WithLogger sets the runner's logger.
func WithLogger(l arbor.ILogger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics records job, step and store-failure metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithClock overrides the time source for step timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner persisting to store. A nil store disables persistence.
func NewRunner(store jobs.Store, opts ...Option) *Runner {
	r := &Runner{
		store:       store,
		logger:      logger.Discard(),
		stepTimeout: DefaultStepTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StepTimeout returns the default per-step timeout.
func (r *Runner) StepTimeout() time.Duration {
	return r.stepTimeout
}

// Run executes every task once, in order. A failing task is recorded as a
// warning and the run continues. The job fails when more than half of the
// steps failed or when ctx is cancelled; cancelled runs skip the remaining
// steps. Store writes are best effort and never abort the run. The channel
// receives step and done events and is closed on return.
func (r *Runner) Run(ctx context.Context, p RunParams) (*RunResult, error) {
	if p.JobID == "" {
		return nil, errors.New("job id is required")
	}

	started := r.now()
	log := r.logger.WithCorrelationId(string(p.JobID))
	persist := !p.JobID.IsEphemeral() && r.store != nil
	// Finalising a cancelled job must still reach the store.
	storeCtx := context.WithoutCancel(ctx)

	total := len(p.Tasks)
	res := &RunResult{
		Warnings:    []string{},
		StepResults: make([]*jobs.Preview, total),
		Steps:       make([]jobs.Step, total),
	}
	for i, t := range p.Tasks {
		res.Steps[i] = jobs.Step{Name: t.Name, Label: t.Label, Status: jobs.StepQueued}
	}

	emit := func(event string, payload any) {
		if p.Channel == nil {
			return
		}
		if err := p.Channel.Send(event, payload); err != nil {
			log.Debug().Err(err).Str("event", event).Msg("Failed to send event")
		}
	}
	transition := func(index int, step jobs.Step, progress int) {
		res.Steps[index] = step
		emit(stream.EventStep, stream.StepPayload{JobID: p.JobID, StepIndex: index, Step: step, Progress: progress})
		if persist {
			if err := r.store.UpdateStep(storeCtx, p.JobID, index, step); err != nil {
				r.storeFailed(storeCtx, log, "update_step", err)
			}
		}
		if step.Status.IsTerminal() {
			r.metrics.StepFinished(storeCtx, p.JobType, string(step.Status))
		}
	}

	log.Info().Str("job_type", p.JobType).Int("steps", total).Msg("Job started")
	r.metrics.JobStarted(storeCtx, p.JobType)

	for i, task := range p.Tasks {
		step := res.Steps[i]
		startedAt := r.now()
		step.Status = jobs.StepRunning
		step.StartedAt = &startedAt
		transition(i, step, jobs.Progress(i, total))

		var preview *jobs.Preview
		var err error
		if ctx.Err() != nil {
			err = context.Canceled
		} else {
			preview, err = r.invoke(ctx, task)
		}

		completedAt := r.now()
		step.CompletedAt = &completedAt
		switch {
		case err == nil:
			step.Status = jobs.StepComplete
			step.Preview = preview
			res.StepResults[i] = preview
		case ctx.Err() != nil:
			res.Cancelled = true
			step.Status = jobs.StepSkipped
		default:
			step.Status = jobs.StepFailed
			step.Error = err.Error()
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s", task.Label, step.Error))
			log.Warn().Err(err).Str("step", task.Name).Msg("Step failed")
		}
		transition(i, step, jobs.Progress(i+1, total))
	}

	res.Status = jobs.JobStatusCompleted
	if res.Cancelled || isMajority(len(res.Warnings), total) {
		res.Status = jobs.JobStatusFailed
	}

	result := jobs.Result{
		Warnings:    res.Warnings,
		RedirectURL: p.RedirectURL,
		FailedSteps: res.Failed(),
	}
	if res.Cancelled {
		result.Error = "job cancelled"
	}
	if persist {
		var err error
		if res.Status == jobs.JobStatusCompleted {
			err = r.store.Complete(storeCtx, p.JobID, result)
		} else {
			err = r.store.Fail(storeCtx, p.JobID, result)
		}
		if err != nil {
			r.storeFailed(storeCtx, log, "finalize", err)
		}
	}

	emit(stream.EventDone, stream.DonePayload{
		JobID:       p.JobID,
		Status:      res.Status,
		Warnings:    res.Warnings,
		RedirectURL: p.RedirectURL,
	})
	if p.Channel != nil {
		if err := p.Channel.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close channel")
		}
	}

	elapsed := r.now().Sub(started)
	r.metrics.JobFinished(storeCtx, p.JobType, string(res.Status), elapsed)
	log.Info().
		Str("status", string(res.Status)).
		Int("warnings", len(res.Warnings)).
		Str("elapsed", elapsed.String()).
		Msg("Job finished")
	return res, nil
}

// isMajority reports whether failed is strictly more than half of total.
func isMajority(failed, total int) bool {
	return 2*failed > total
}

// RunLocal executes tasks with the same isolation as Run but without events
// or persistence. Supervisors use it for sub-pipelines.
func (r *Runner) RunLocal(ctx context.Context, tasks []Task) *RunResult {
	local := *r
	local.metrics = nil
	res, _ := local.Run(ctx, RunParams{JobID: jobs.NewEphemeralJobID(), Tasks: tasks})
	return res
}

func (r *Runner) storeFailed(ctx context.Context, log arbor.ILogger, op string, err error) {
	r.metrics.StoreWriteFailed(ctx, op)
	log.Warn().Err(err).Str("operation", op).Msg("Job store write failed")
}

type runnerKey struct{}

// RunnerFrom returns the runner executing the current step, or a runner
// without persistence when called outside of one.
func RunnerFrom(ctx context.Context) *Runner {
	if r, ok := ctx.Value(runnerKey{}).(*Runner); ok {
		return r
	}
	return NewRunner(nil)
}

type outcome struct {
	preview *jobs.Preview
	err     error
}

// invoke runs one task under its timeout, converting panics into errors.
// When the deadline passes the runner moves on without waiting for the task.
func (r *Runner) invoke(ctx context.Context, task Task) (*jobs.Preview, error) {
	timeout := task.Timeout
	if timeout == 0 {
		timeout = r.stepTimeout
	}
	stepCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	stepCtx = context.WithValue(stepCtx, runnerKey{}, r)

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		preview, err := task.Run(stepCtx)
		done <- outcome{preview: preview, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out after %s", timeout)
		}
		return out.preview, out.err
	case <-stepCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("timed out after %s", timeout)
	}
}
