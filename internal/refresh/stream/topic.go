package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
)

// Topic is a Channel that keeps every event it receives so that any number
// of subscribers, attaching at any time, observe the full sequence.
type Topic struct {
	jobID jobs.JobID

	mu       sync.Mutex
	log      []Event
	changed  chan struct{}
	closed   bool
	closedAt time.Time
	now      func() time.Time
}

var _ Channel = (*Topic)(nil)

// NewTopic creates an open topic for jobID.
func NewTopic(jobID jobs.JobID) *Topic {
	return &Topic{
		jobID:   jobID,
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// JobID returns the job the topic reports on.
func (t *Topic) JobID() jobs.JobID {
	return t.jobID
}

// Send appends the event and wakes subscribers.
func (t *Topic) Send(event string, payload any) error {
	ev, err := NewEvent(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.log = append(t.log, ev)
	t.broadcastLocked()
	return nil
}

// Close ends every subscription once it has drained the log.
func (t *Topic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.closedAt = t.now()
	t.broadcastLocked()
	return nil
}

// Closed reports whether the topic is closed and when.
func (t *Topic) Closed() (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closedAt
}

// Events returns a copy of the event log.
func (t *Topic) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Event(nil), t.log...)
}

// Subscribe returns a subscription positioned at the first event.
func (t *Topic) Subscribe() *Subscription {
	return &Subscription{topic: t}
}

func (t *Topic) broadcastLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Subscription reads a topic's events in order, replaying what was sent
// before it attached.
type Subscription struct {
	topic  *Topic
	cursor int
}

// JobID returns the job the subscription reports on.
func (s *Subscription) JobID() jobs.JobID {
	return s.topic.jobID
}

// Next blocks until the next event is available. It returns io.EOF once the
// topic is closed and every event has been read.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.topic.mu.Lock()
		if s.cursor < len(s.topic.log) {
			ev := s.topic.log[s.cursor]
			s.cursor++
			s.topic.mu.Unlock()
			return ev, nil
		}
		if s.topic.closed {
			s.topic.mu.Unlock()
			return Event{}, io.EOF
		}
		changed := s.topic.changed
		s.topic.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-changed:
		}
	}
}

// Pump copies events into ch until the topic closes, a terminal event has
// been written or ctx ends. The subscriber's channel is not closed.
func (s *Subscription) Pump(ctx context.Context, ch EventWriter) error {
	for {
		ev, err := s.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := ch.WriteEvent(ev); err != nil {
			return err
		}
		if ev.IsTerminal() {
			return nil
		}
	}
}
