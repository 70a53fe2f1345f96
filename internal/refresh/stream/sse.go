package stream

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// ErrStreamingUnsupported is returned when the response writer cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSEChannel writes protocol events to an HTTP response as server-sent events.
type SSEChannel struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

var _ Channel = (*SSEChannel)(nil)

// NewSSEChannel sets the event-stream headers and returns a channel writing to w.
func NewSSEChannel(w http.ResponseWriter) (*SSEChannel, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEChannel{w: w, flusher: flusher}, nil
}

// Send writes one event frame and flushes it.
func (c *SSEChannel) Send(event string, payload any) error {
	ev, err := NewEvent(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	return c.WriteEvent(ev)
}

// WriteEvent writes an already encoded event.
func (c *SSEChannel) WriteEvent(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Ping writes a comment frame to keep intermediaries from timing out the stream.
func (c *SSEChannel) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, err := fmt.Fprint(c.w, ": ping\n\n"); err != nil {
		return err
	}
	c.flusher.Flush()
	return nil
}

// Close stops further writes. The HTTP handler returning ends the response.
func (c *SSEChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
