package client

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/intelboard/intelboard/internal/refresh/stream"
)

const maxEventSize = 1 << 20

// EventReader decodes a text/event-stream body into protocol events.
type EventReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// NewEventReader reads events from body. Close releases it.
func NewEventReader(body io.ReadCloser) *EventReader {
	s := bufio.NewScanner(body)
	s.Buffer(make([]byte, 0, 4096), maxEventSize)
	return &EventReader{body: body, scanner: s}
}

// Next returns the next event. Comment frames are skipped. It returns
// io.EOF when the stream ends cleanly and io.ErrUnexpectedEOF when it ends
// inside a partially received event.
func (r *EventReader) Next() (stream.Event, error) {
	var (
		name    string
		data    []string
		started bool
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if !started {
				continue
			}
			if name == "" {
				name = "message"
			}
			return stream.Event{Name: name, Data: json.RawMessage(strings.Join(data, "\n"))}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
			started = true
		case "data":
			data = append(data, value)
			started = true
		}
	}
	if err := r.scanner.Err(); err != nil {
		return stream.Event{}, err
	}
	if started {
		return stream.Event{}, io.ErrUnexpectedEOF
	}
	return stream.Event{}, io.EOF
}

// Close closes the underlying body.
func (r *EventReader) Close() error {
	return r.body.Close()
}
