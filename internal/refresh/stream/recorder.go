package stream

import (
	"encoding/json"
	"sync"
)

// Recorder is an in-memory Channel. It keeps every event and counts Close calls.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	closes  int
	sendErr error
}

var _ Channel = (*Recorder)(nil)

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailSends makes every later Send return err.
func (r *Recorder) FailSends(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

// Send records the event.
func (r *Recorder) Send(event string, payload any) error {
	ev, err := NewEvent(event, payload)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.events = append(r.events, ev)
	return nil
}

// Close counts the call.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Names returns the recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, ev := range r.events {
		names[i] = ev.Name
	}
	return names
}

// Closes returns how many times Close was called.
func (r *Recorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

// StepPayloads decodes every step event.
func (r *Recorder) StepPayloads() ([]StepPayload, error) {
	var out []StepPayload
	for _, ev := range r.Events() {
		if ev.Name != EventStep {
			continue
		}
		var p StepPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Done decodes the done event, reporting false when none was sent.
func (r *Recorder) Done() (DonePayload, bool, error) {
	for _, ev := range r.Events() {
		if ev.Name != EventDone {
			continue
		}
		var p DonePayload
		err := json.Unmarshal(ev.Data, &p)
		return p, true, err
	}
	return DonePayload{}, false, nil
}
