package client

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/stream"
)

// Status is the client-side lifecycle of one job run.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusChecking Status = "checking"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// IsTerminal reports whether the run has finished.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// ConnectivityError is the message shown when the event stream fails.
const ConnectivityError = "could not reach the refresh service, please try again"

// State is a snapshot of a run as seen by the client.
type State struct {
	Status      Status        `json:"status"`
	JobID       jobs.JobID    `json:"jobId,omitempty"`
	Steps       []jobs.Step   `json:"steps"`
	Progress    int           `json:"progress"`
	Warnings    []string      `json:"warnings,omitempty"`
	RedirectURL string        `json:"redirectUrl,omitempty"`
	Error       string        `json:"error,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
	// Summaries are display lines for completed steps that reported a preview.
	Summaries []string `json:"summaries,omitempty"`
	// Seen is set once an init or step event has arrived.
	Seen bool `json:"-"`
	// Disconnected is set when the stream dropped mid-run.
	Disconnected bool `json:"disconnected,omitempty"`
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := s
	if s.Steps != nil {
		out.Steps = make([]jobs.Step, len(s.Steps))
		for i, step := range s.Steps {
			out.Steps[i] = step.Clone()
		}
	}
	out.Warnings = append([]string(nil), s.Warnings...)
	out.Summaries = append([]string(nil), s.Summaries...)
	return out
}

// Reduce applies one stream event to s and returns the new state. s is not
// modified. Events that cannot be decoded and events after a terminal state
// leave the state unchanged.
func Reduce(s State, ev stream.Event) State {
	if s.Status.IsTerminal() {
		return s
	}
	next := s.Clone()

	switch ev.Name {
	case stream.EventInit:
		var p stream.InitPayload
		if json.Unmarshal(ev.Data, &p) != nil {
			return s
		}
		next.JobID = p.JobID
		next.Steps = make([]jobs.Step, len(p.Steps))
		for i, step := range p.Steps {
			next.Steps[i] = step.Clone()
		}
		// A resumed stream replays every step, so summaries are rebuilt.
		next.Summaries = nil
		next.Status = StatusRunning
		next.Seen = true
		next.Disconnected = false

	case stream.EventStep:
		var p stream.StepPayload
		if json.Unmarshal(ev.Data, &p) != nil {
			return s
		}
		if p.StepIndex >= 0 && p.StepIndex < len(next.Steps) {
			prev := next.Steps[p.StepIndex].Status
			next.Steps[p.StepIndex] = p.Step.Clone()
			if p.Step.Status == jobs.StepComplete && prev != jobs.StepComplete {
				if line := SummaryLine(p.Step); line != "" {
					next.Summaries = append(next.Summaries, line)
				}
			}
		}
		if p.Progress > next.Progress {
			next.Progress = p.Progress
		}
		next.Status = StatusRunning
		next.Seen = true
		next.Disconnected = false

	case stream.EventDone:
		var p stream.DonePayload
		if json.Unmarshal(ev.Data, &p) != nil {
			return s
		}
		if p.JobID != "" {
			next.JobID = p.JobID
		}
		next.Status = StatusComplete
		if p.Status == jobs.JobStatusFailed {
			next.Status = StatusFailed
		}
		next.Warnings = append([]string(nil), p.Warnings...)
		next.RedirectURL = p.RedirectURL
		next.Progress = 100
		next.Disconnected = false

	case stream.EventError:
		next.Status = StatusFailed
		next.Error = ConnectivityError

	default:
		return s
	}
	return next
}

// SummaryLine renders a completed step's preview for display, or "" when
// the step has none.
func SummaryLine(step jobs.Step) string {
	p := step.Preview
	if p == nil {
		return ""
	}
	if sum := p.Pipeline; sum != nil {
		if sum.Skipped {
			return fmt.Sprintf("%s: skipped (%s)", step.Label, sum.Reason)
		}
		line := fmt.Sprintf("%s: %d/%d steps completed", step.Label, sum.Completed, sum.TotalSteps)
		if sum.Failed > 0 {
			line += fmt.Sprintf(", %d failed", sum.Failed)
		}
		return line
	}
	if len(p.Counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p.Counts))
	for k := range p.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%d %s", p.Counts[k], k)
	}
	return step.Label + ": " + strings.Join(parts, ", ")
}
