package telemetry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelboard/intelboard/internal/refresh/telemetry"
)

func TestInitMetrics_ExportsJobInstruments(t *testing.T) {
	shutdown, metrics, err := telemetry.InitMetrics("test")
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()
	metrics.JobStarted(ctx, "seo")
	metrics.StepFinished(ctx, "seo", "failed")
	metrics.JobFinished(ctx, "seo", "completed", 1500*time.Millisecond)
	metrics.StoreWriteFailed(ctx, "update_step")

	w := httptest.NewRecorder()
	metrics.PrometheusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, "intelboard_jobs_started")
	assert.Contains(t, body, "intelboard_steps_finished")
	assert.Contains(t, body, "intelboard_job_duration_bucket")
	assert.Contains(t, body, "intelboard_store_write_failures")
	assert.Contains(t, body, `job_type="seo"`)
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *telemetry.Metrics
	assert.NotPanics(t, func() {
		m.JobStarted(context.Background(), "seo")
		m.JobFinished(context.Background(), "seo", "failed", time.Second)
		m.StepFinished(context.Background(), "seo", "complete")
		m.StoreWriteFailed(context.Background(), "create")
	})
}
