package v0

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/intelboard/intelboard/internal/refresh/catalog"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/pipeline"
	"github.com/intelboard/intelboard/internal/refresh/service"
)

// errorStatus maps service errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, catalog.ErrLocationNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, pipeline.ErrUnknownJobType):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrContextUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrJobAlreadyRunning), errors.Is(err, service.ErrJobNotRunning):
		return http.StatusConflict
	case errors.Is(err, service.ErrTooManyJobs):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// runningJobID returns the id of the job that blocked a duplicate start.
func runningJobID(err error) string {
	var running *service.AlreadyRunningError
	if errors.As(err, &running) && running.Job != nil {
		return string(running.Job.ID)
	}
	return ""
}

func toHumaError(err error) error {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	if id := runningJobID(err); id != "" {
		return huma.NewError(status, msg, &huma.ErrorDetail{Location: "jobId", Value: id})
	}
	return huma.NewError(status, msg)
}

// ProblemBody is the error body written by the raw streaming handlers.
type ProblemBody struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	JobID  string `json:"jobId,omitempty"`
}

// writeProblem writes an error before a stream has started.
func writeProblem(w http.ResponseWriter, status int, detail, jobID string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProblemBody{
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
		JobID:  jobID,
	})
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeProblem(w, status, msg, runningJobID(err))
}
