// Package telemetry wires OpenTelemetry metrics to a Prometheus endpoint.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const (
	namespace = "intelboard"
	meterName = "github.com/intelboard/intelboard"
)

// ShutdownFunc flushes and stops the meter provider.
type ShutdownFunc func(context.Context) error

// Metrics holds every instrument the service records.
type Metrics struct {
	Requests        metric.Int64Counter
	ErrorCount      metric.Int64Counter
	RequestDuration metric.Float64Histogram

	JobsStarted        metric.Int64Counter
	JobsFinished       metric.Int64Counter
	StepsFinished      metric.Int64Counter
	JobDuration        metric.Float64Histogram
	StoreWriteFailures metric.Int64Counter

	registry *promclient.Registry
}

// InitMetrics creates a meter provider exporting to a private Prometheus
// registry and starts runtime instrumentation.
func InitMetrics(version string) (ShutdownFunc, *Metrics, error) {
	registry := promclient.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", namespace),
		attribute.String("service.version", version),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	if err := runtime.Start(runtime.WithMeterProvider(provider)); err != nil {
		return nil, nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	metrics, err := newMetrics(provider.Meter(meterName), registry)
	if err != nil {
		return nil, nil, err
	}
	return provider.Shutdown, metrics, nil
}

func newMetrics(meter metric.Meter, registry *promclient.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}
	var err error

	if m.Requests, err = meter.Int64Counter(namespace+"_http_requests",
		metric.WithDescription("Total number of HTTP requests")); err != nil {
		return nil, fmt.Errorf("requests counter: %w", err)
	}
	if m.ErrorCount, err = meter.Int64Counter(namespace+"_http_errors",
		metric.WithDescription("Total number of HTTP responses with status >= 400")); err != nil {
		return nil, fmt.Errorf("errors counter: %w", err)
	}
	if m.RequestDuration, err = meter.Float64Histogram(namespace+"_http_request_duration",
		metric.WithDescription("HTTP request duration in seconds")); err != nil {
		return nil, fmt.Errorf("duration histogram: %w", err)
	}
	if m.JobsStarted, err = meter.Int64Counter(namespace+"_jobs_started",
		metric.WithDescription("Jobs started by type")); err != nil {
		return nil, fmt.Errorf("jobs started counter: %w", err)
	}
	if m.JobsFinished, err = meter.Int64Counter(namespace+"_jobs_finished",
		metric.WithDescription("Jobs finished by type and status")); err != nil {
		return nil, fmt.Errorf("jobs finished counter: %w", err)
	}
	if m.StepsFinished, err = meter.Int64Counter(namespace+"_steps_finished",
		metric.WithDescription("Steps reaching a terminal status")); err != nil {
		return nil, fmt.Errorf("steps finished counter: %w", err)
	}
	if m.JobDuration, err = meter.Float64Histogram(namespace+"_job_duration",
		metric.WithDescription("Job run time in seconds")); err != nil {
		return nil, fmt.Errorf("job duration histogram: %w", err)
	}
	if m.StoreWriteFailures, err = meter.Int64Counter(namespace+"_store_write_failures",
		metric.WithDescription("Job store writes that failed and were skipped")); err != nil {
		return nil, fmt.Errorf("store failures counter: %w", err)
	}
	return m, nil
}

// PrometheusHandler serves the metrics registry in the Prometheus text format.
func (m *Metrics) PrometheusHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The helpers below accept a nil receiver so callers may run without metrics.

// JobStarted counts a started job.
func (m *Metrics) JobStarted(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	m.JobsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("job_type", jobType)))
}

// JobFinished counts a finished job and records its run time.
func (m *Metrics) JobFinished(ctx context.Context, jobType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.String("status", status),
	)
	m.JobsFinished.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// StepFinished counts a step reaching a terminal status.
func (m *Metrics) StepFinished(ctx context.Context, jobType, status string) {
	if m == nil {
		return
	}
	m.StepsFinished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_type", jobType),
		attribute.String("status", status),
	))
}

// StoreWriteFailed counts a swallowed store write failure.
func (m *Metrics) StoreWriteFailed(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.StoreWriteFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
