package api_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/intelboard/internal/refresh/api"
	v0 "github.com/intelboard/intelboard/internal/refresh/api/handlers/v0"
	"github.com/intelboard/intelboard/internal/refresh/api/router"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/pipeline"
	"github.com/intelboard/intelboard/internal/refresh/service"
	"github.com/intelboard/intelboard/internal/refresh/stream"
	"github.com/intelboard/intelboard/internal/refresh/telemetry"
)

func newTestServer(t *testing.T) http.Handler {
	t.Helper()

	shutdownTelemetry, metrics, err := telemetry.InitMetrics("test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdownTelemetry(context.Background()) })

	store := jobs.NewMemoryStore()
	svc := service.New(store, pipeline.NewRegistry(), pipeline.NewRunner(store), stream.NewHub(), service.Config{}, nil)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	server := api.NewServer(":0", router.Options{
		Service:     svc,
		Metrics:     metrics,
		VersionInfo: &v0.VersionBody{Version: "test", GitCommit: "test", BuildTime: "test"},
	})
	return server.Handler()
}

func TestServer_CommonEndpoints(t *testing.T) {
	handler := newTestServer(t)

	for _, path := range []string{"/v0/health", "/v0/ping", "/v0/version", "/v0/job-types"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, w.Code)
		})
	}
}

func TestServer_MetricsRecordRequests(t *testing.T) {
	handler := newTestServer(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v0/job-types", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "intelboard_http_requests")
	assert.Contains(t, string(body), `path="/v0/job-types"`)
}

func TestServer_NotFoundAndTrailingSlash(t *testing.T) {
	handler := newTestServer(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "/v0/jobs")

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v0/health/", nil))
	assert.Equal(t, http.StatusPermanentRedirect, w.Code)
	assert.Equal(t, "/v0/health", w.Header().Get("Location"))
}

func TestServer_CORSHeaders(t *testing.T) {
	handler := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v0/health", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/v0/jobs/stream", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}
