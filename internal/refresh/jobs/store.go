package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinalized is returned when a terminal job is written again.
	ErrJobFinalized = errors.New("job already finalized")

	// ErrInvalidTransition is returned for a backward or skipping step transition.
	ErrInvalidTransition = errors.New("invalid step transition")

	// ErrStepOutOfRange is returned when a step index is outside the job's step list.
	ErrStepOutOfRange = errors.New("step index out of range")

	// ErrRevisionConflict is returned when a concurrent writer changed the job first.
	ErrRevisionConflict = errors.New("job revision conflict")

	// ErrEphemeralJob is returned when an ephemeral job id reaches a store.
	ErrEphemeralJob = errors.New("ephemeral jobs are not persisted")
)

// NewJob describes a job to create.
type NewJob struct {
	ID             JobID
	OrganizationID string
	LocationID     string
	Type           string
	Steps          []StepSpec
}

// ListFilter scopes list queries to a tenant and optionally a location and type.
type ListFilter struct {
	OrganizationID string
	LocationID     string
	Type           string
}

// Matches reports whether job satisfies the filter.
func (f ListFilter) Matches(job *Job) bool {
	if job.OrganizationID != f.OrganizationID {
		return false
	}
	if f.LocationID != "" && job.LocationID != f.LocationID {
		return false
	}
	if f.Type != "" && job.Type != f.Type {
		return false
	}
	return true
}

// Store is the durable job record store. Implementations must be safe for
// concurrent use and must return copies that callers may mutate.
type Store interface {
	Create(ctx context.Context, job NewJob) (*Job, error)
	UpdateStep(ctx context.Context, id JobID, index int, step Step) error
	Complete(ctx context.Context, id JobID, result Result) error
	Fail(ctx context.Context, id JobID, result Result) error
	Get(ctx context.Context, id JobID) (*Job, error)
	// ListActive returns running jobs for the tenant, newest first.
	ListActive(ctx context.Context, filter ListFilter) ([]*Job, error)
	// ListRecent returns jobs of any status updated within the trailing window, newest first.
	ListRecent(ctx context.Context, filter ListFilter, within time.Duration) ([]*Job, error)
}

// Seed builds the initial record for a new job: running, all steps queued.
func Seed(nj NewJob, now time.Time) (*Job, error) {
	if nj.ID == "" {
		nj.ID = NewJobID()
	}
	if nj.ID.IsEphemeral() {
		return nil, ErrEphemeralJob
	}
	seen := make(map[string]struct{}, len(nj.Steps))
	for _, s := range nj.Steps {
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate step name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return &Job{
		ID:             nj.ID,
		OrganizationID: nj.OrganizationID,
		LocationID:     nj.LocationID,
		Type:           nj.Type,
		Status:         JobStatusRunning,
		TotalSteps:     len(nj.Steps),
		Steps:          QueuedSteps(nj.Steps),
		Revision:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// ApplyStep replaces the step at index in job, enforcing forward-only
// transitions. currentStep advances past index only when the new status is
// terminal. Name and label are fixed at creation and are not overwritten.
func ApplyStep(job *Job, index int, step Step, now time.Time) error {
	if job.IsTerminal() {
		return ErrJobFinalized
	}
	if index < 0 || index >= len(job.Steps) {
		return fmt.Errorf("%w: %d of %d", ErrStepOutOfRange, index, len(job.Steps))
	}
	cur := job.Steps[index]
	if !cur.Status.CanTransitionTo(step.Status) {
		return fmt.Errorf("%w: step %d %s -> %s", ErrInvalidTransition, index, cur.Status, step.Status)
	}

	next := step.Clone()
	next.Name = cur.Name
	next.Label = cur.Label
	if next.Status != StepComplete {
		next.Preview = nil
	}
	if next.Status != StepFailed {
		next.Error = ""
	}
	if next.StartedAt == nil {
		next.StartedAt = cur.StartedAt
	}
	if next.StartedAt == nil && next.Status.IsTerminal() {
		next.StartedAt = next.CompletedAt
		if next.StartedAt == nil {
			started := now
			next.StartedAt = &started
		}
	}
	job.Steps[index] = next

	if next.Status.IsTerminal() && index+1 > job.CurrentStep {
		job.CurrentStep = index + 1
	}
	job.Revision++
	job.UpdatedAt = now
	return nil
}

// ApplyFinal sets the terminal status and result exactly once.
func ApplyFinal(job *Job, status JobStatus, result Result, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("final status must be terminal, got %q", status)
	}
	if job.IsTerminal() {
		return ErrJobFinalized
	}
	r := result
	r.Warnings = append([]string{}, result.Warnings...)
	job.Status = status
	job.Result = &r
	job.Revision++
	job.UpdatedAt = now
	return nil
}
