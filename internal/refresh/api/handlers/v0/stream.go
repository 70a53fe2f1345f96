package v0

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/intelboard/intelboard/internal/logger"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/service"
	"github.com/intelboard/intelboard/internal/refresh/stream"
)

// DefaultPingInterval is how often an idle event stream gets a comment frame.
const DefaultPingInterval = 15 * time.Second

// StreamHandlers serves the job event streams. They use the raw mux because
// huma operations cannot hold a response open.
type StreamHandlers struct {
	svc          *service.Service
	logger       arbor.ILogger
	pingInterval time.Duration
}

// RegisterStreamHandlers registers the start and resume streaming endpoints.
func RegisterStreamHandlers(mux *http.ServeMux, pathPrefix string, svc *service.Service, log arbor.ILogger, pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	if log == nil {
		log = logger.Discard()
	}
	h := &StreamHandlers{svc: svc, logger: log, pingInterval: pingInterval}
	mux.HandleFunc("POST "+pathPrefix+"/jobs/stream", h.handleStart)
	mux.HandleFunc("GET "+pathPrefix+"/jobs/{jobId}/stream", h.handleResume)
}

// handleStart starts a job and streams its events. The job keeps running
// when the client disconnects.
func (h *StreamHandlers) handleStart(w http.ResponseWriter, r *http.Request) {
	var req service.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON: "+err.Error(), "")
		return
	}

	started, err := h.svc.Start(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	h.serve(w, r, started.Subscription)
}

// handleResume re-attaches to a job's event stream from its init event.
func (h *StreamHandlers) handleResume(w http.ResponseWriter, r *http.Request) {
	id := jobs.JobID(r.PathValue("jobId"))
	sub, err := h.svc.Resume(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	h.serve(w, r, sub)
}

func (h *StreamHandlers) serve(w http.ResponseWriter, r *http.Request, sub *stream.Subscription) {
	ch, err := stream.NewSSEChannel(w)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	defer func() { _ = ch.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.keepAlive(ctx, ch)

	err = sub.Pump(ctx, ch)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		h.logger.Debug().Str("job_id", string(sub.JobID())).Msg("Event stream client disconnected")
	default:
		h.logger.Warn().Err(err).Str("job_id", string(sub.JobID())).Msg("Event stream failed")
		_ = ch.Send(stream.EventError, stream.ErrorPayload{Error: "event stream interrupted"})
	}
}

func (h *StreamHandlers) keepAlive(ctx context.Context, ch *stream.SSEChannel) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ch.Ping(); err != nil {
				return
			}
		}
	}
}
