package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/intelboard/intelboard/internal/refresh/jobs"
)

// ErrTopicExists is returned when a topic is opened twice for the same job.
var ErrTopicExists = errors.New("topic already open")

// Hub holds one topic per job so that clients can re-attach to a job
// started by another request.
type Hub struct {
	mu     sync.RWMutex
	topics map[jobs.JobID]*Topic
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[jobs.JobID]*Topic)}
}

// Open registers a new topic for jobID.
func (h *Hub) Open(jobID jobs.JobID) (*Topic, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[jobID]; ok {
		return nil, ErrTopicExists
	}
	t := NewTopic(jobID)
	h.topics[jobID] = t
	return t, nil
}

// Subscribe attaches to the topic for jobID, replaying its events from the
// beginning. It reports false when the hub has no topic for the job.
func (h *Hub) Subscribe(jobID jobs.JobID) (*Subscription, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.topics[jobID]
	if !ok {
		return nil, false
	}
	return t.Subscribe(), true
}

// Len returns the number of topics held.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}

// Prune drops closed topics that closed more than retention ago and returns
// how many were removed. Open topics are kept.
func (h *Hub) Prune(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, t := range h.topics {
		closed, at := t.Closed()
		if closed && at.Before(cutoff) {
			delete(h.topics, id)
			removed++
		}
	}
	return removed
}
