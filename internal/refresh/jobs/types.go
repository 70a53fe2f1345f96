// Package jobs provides the job record model and the stores that persist it.
package jobs

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EphemeralPrefix marks job ids that are never written to a store.
// Dry runs and previews use it.
const EphemeralPrefix = "preview-"

// JobID uniquely identifies a job.
type JobID string

// NewJobID returns a durable job id.
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// NewEphemeralJobID returns a job id that bypasses every store write.
func NewEphemeralJobID() JobID {
	return JobID(EphemeralPrefix + uuid.New().String())
}

// IsEphemeral reports whether the id carries the ephemeral prefix.
func (id JobID) IsEphemeral() bool {
	return strings.HasPrefix(string(id), EphemeralPrefix)
}

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal returns true for completed and failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// StepStatus represents the state of a single step.
type StepStatus string

const (
	StepQueued   StepStatus = "queued"
	StepRunning  StepStatus = "running"
	StepComplete StepStatus = "complete"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
)

// IsTerminal returns true for complete, failed and skipped.
func (s StepStatus) IsTerminal() bool {
	return s == StepComplete || s == StepFailed || s == StepSkipped
}

// CanTransitionTo reports whether next is a valid forward transition.
// Re-writing the same status is allowed so that retried writes are idempotent.
// A queued step may go straight to a terminal status when its running write
// was lost.
func (s StepStatus) CanTransitionTo(next StepStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StepQueued:
		return next == StepRunning || next.IsTerminal()
	case StepRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// PipelineSummary is the preview a supervisor step reports for one sub-pipeline.
type PipelineSummary struct {
	Pipeline   string   `json:"pipeline"`
	TotalSteps int      `json:"totalSteps,omitempty"`
	Completed  int      `json:"completed"`
	Failed     int      `json:"failed"`
	Warnings   []string `json:"warnings,omitempty"`
	Skipped    bool     `json:"skipped,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// Preview is the small outcome summary attached to a completed step.
// Counts holds named tallies (for example "keywords": 12); Pipeline is set
// only by supervisor steps.
type Preview struct {
	Counts   map[string]int   `json:"counts,omitempty"`
	Pipeline *PipelineSummary `json:"pipeline,omitempty"`
}

// CountPreview is shorthand for a preview carrying a single tally.
func CountPreview(name string, n int) *Preview {
	return &Preview{Counts: map[string]int{name: n}}
}

// Clone returns a deep copy of the preview.
func (p *Preview) Clone() *Preview {
	if p == nil {
		return nil
	}
	out := &Preview{}
	if p.Counts != nil {
		out.Counts = make(map[string]int, len(p.Counts))
		for k, v := range p.Counts {
			out.Counts[k] = v
		}
	}
	if p.Pipeline != nil {
		summary := *p.Pipeline
		summary.Warnings = append([]string(nil), p.Pipeline.Warnings...)
		out.Pipeline = &summary
	}
	return out
}

// StepSpec names a step before it runs.
type StepSpec struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// Step is one entry of a job's ordered step list, identified by its index.
type Step struct {
	Name        string     `json:"name"`
	Label       string     `json:"label"`
	Status      StepStatus `json:"status"`
	Preview     *Preview   `json:"preview,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	out := s
	out.Preview = s.Preview.Clone()
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// QueuedSteps seeds a step list with every entry queued.
func QueuedSteps(specs []StepSpec) []Step {
	steps := make([]Step, len(specs))
	for i, spec := range specs {
		steps[i] = Step{Name: spec.Name, Label: spec.Label, Status: StepQueued}
	}
	return steps
}

// Result contains the final outcome of a job. It is written once.
type Result struct {
	Warnings    []string `json:"warnings"`
	RedirectURL string   `json:"redirectUrl"`
	FailedSteps int      `json:"failedSteps,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Job represents one run of a step catalog against a location.
type Job struct {
	ID             JobID     `json:"id"`
	OrganizationID string    `json:"organization_id"`
	LocationID     string    `json:"location_id"`
	Type           string    `json:"job_type"`
	Status         JobStatus `json:"status"`
	TotalSteps     int       `json:"total_steps"`
	CurrentStep    int       `json:"current_step"`
	Steps          []Step    `json:"steps"`
	Result         *Result   `json:"result,omitempty"`
	Revision       int64     `json:"revision"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// FinishedSteps counts steps in a terminal state.
func (j *Job) FinishedSteps() int {
	n := 0
	for _, s := range j.Steps {
		if s.Status.IsTerminal() {
			n++
		}
	}
	return n
}

// Progress derives the integer percent from the step list.
func (j *Job) Progress() int {
	return Progress(j.FinishedSteps(), j.TotalSteps)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Steps = make([]Step, len(j.Steps))
	for i, s := range j.Steps {
		out.Steps[i] = s.Clone()
	}
	if j.Result != nil {
		r := *j.Result
		r.Warnings = append([]string(nil), j.Result.Warnings...)
		out.Result = &r
	}
	return &out
}

// Progress returns round(100 * done / total). An empty job is complete.
func Progress(done, total int) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(100 * float64(done) / float64(total)))
}
