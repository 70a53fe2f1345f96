// Package stream implements the server-to-client push channel used to report
// job progress: the event protocol, an SSE writer, and a replaying hub that
// lets clients re-attach to a running job.
package stream

import (
	"encoding/json"
	"errors"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
)

// Event names of the job progress protocol.
const (
	EventInit  = "init"
	EventStep  = "step"
	EventDone  = "done"
	EventError = "error"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("channel closed")

// Channel is a long-lived server-to-client event stream.
// Close must be idempotent.
type Channel interface {
	Send(event string, payload any) error
	Close() error
}

// EventWriter accepts already encoded events.
type EventWriter interface {
	WriteEvent(ev Event) error
}

// InitPayload is sent once, before the first step begins.
type InitPayload struct {
	JobID jobs.JobID  `json:"jobId"`
	Steps []jobs.Step `json:"steps"`
}

// StepPayload is sent when a step enters running and when it reaches a terminal state.
type StepPayload struct {
	JobID     jobs.JobID `json:"jobId"`
	StepIndex int        `json:"stepIndex"`
	Step      jobs.Step  `json:"step"`
	Progress  int        `json:"progress"`
}

// DonePayload is the last event of a run.
type DonePayload struct {
	JobID       jobs.JobID     `json:"jobId"`
	Status      jobs.JobStatus `json:"status"`
	Warnings    []string       `json:"warnings"`
	RedirectURL string         `json:"redirectUrl"`
}

// ErrorPayload reports a channel-level failure that prevented a done event.
type ErrorPayload struct {
	Error string `json:"error"`
}

// Event is one encoded protocol event.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

// IsTerminal reports whether no further events follow this one.
func (e Event) IsTerminal() bool {
	return e.Name == EventDone || e.Name == EventError
}

// NewEvent encodes payload as an event.
func NewEvent(name string, payload any) (Event, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return Event{Name: name, Data: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: data}, nil
}
