// Package router contains API routing logic
package router

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/ternarybob/arbor"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	v0 "github.com/intelboard/intelboard/internal/refresh/api/handlers/v0"
	"github.com/intelboard/intelboard/internal/refresh/facts"
	"github.com/intelboard/intelboard/internal/refresh/service"
	"github.com/intelboard/intelboard/internal/refresh/telemetry"
)

// Middleware configuration options
type middlewareConfig struct {
	skipPaths map[string]bool
}

type MiddlewareOption func(*middlewareConfig)

// getRoutePath extracts the route pattern from the context
func getRoutePath(ctx huma.Context) string {
	if op := ctx.Operation(); op != nil && op.Path != "" {
		return op.Path
	}
	return ctx.URL().Path
}

// MetricTelemetryMiddleware records request count, errors and duration per route.
func MetricTelemetryMiddleware(metrics *telemetry.Metrics, options ...MiddlewareOption) func(huma.Context, func(huma.Context)) {
	config := &middlewareConfig{
		skipPaths: make(map[string]bool),
	}
	for _, opt := range options {
		opt(config)
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		path := ctx.URL().Path

		// Match either the full path or its last segment.
		pathParts := strings.Split(path, "/")
		pathToMatch := "/" + pathParts[len(pathParts)-1]
		if config.skipPaths[pathToMatch] || config.skipPaths[path] {
			next(ctx)
			return
		}

		start := time.Now()
		method := ctx.Method()
		routePath := getRoutePath(ctx)

		next(ctx)

		duration := time.Since(start).Seconds()
		statusCode := ctx.Status()

		attrs := []attribute.KeyValue{
			attribute.String("method", method),
			attribute.String("path", routePath),
			attribute.Int("status_code", statusCode),
		}

		metrics.Requests.Add(ctx.Context(), 1, metric.WithAttributes(attrs...))
		if statusCode >= 400 {
			metrics.ErrorCount.Add(ctx.Context(), 1, metric.WithAttributes(attrs...))
		}
		metrics.RequestDuration.Record(ctx.Context(), duration, metric.WithAttributes(attrs...))
	}
}

// WithSkipPaths allows skipping instrumentation for specific paths
func WithSkipPaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		for _, path := range paths {
			c.skipPaths[path] = true
		}
	}
}

// handle404 returns a problem+json 404 pointing at the API docs.
func handle404(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusNotFound)

	detail := "Endpoint not found. See /docs for the API documentation."
	if !strings.HasPrefix(r.URL.Path, "/v0/") {
		detail = "Endpoint not found. Did you mean '/v0" + r.URL.Path + "'? See /docs for the API documentation."
	}

	jsonData, err := json.Marshal(map[string]any{
		"title":  "Not Found",
		"status": http.StatusNotFound,
		"detail": detail,
	})
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(jsonData)
}

// Options are the collaborators routes are registered with.
type Options struct {
	Service      *service.Service
	Metrics      *telemetry.Metrics
	VersionInfo  *v0.VersionBody
	Streamer     *facts.Streamer
	Logger       arbor.ILogger
	PingInterval time.Duration
}

// NewHumaAPI creates a new Huma API with all routes registered on mux.
func NewHumaAPI(mux *http.ServeMux, opts Options) huma.API {
	humaConfig := huma.DefaultConfig("Intelboard Refresh API", "1.0.0")
	humaConfig.Info.Description = "Start, follow and inspect competitive-intelligence refresh jobs."
	// Disable $schema property in responses: https://github.com/danielgtaylor/huma/issues/230
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}

	api := humago.New(mux, humaConfig)

	api.OpenAPI().Tags = []*huma.Tag{
		{Name: "jobs", Description: "Operations for starting and inspecting refresh jobs"},
		{Name: "health", Description: "Health check endpoint for monitoring service availability"},
		{Name: "ping", Description: "Simple ping endpoint for testing connectivity"},
		{Name: "version", Description: "Version information endpoint for retrieving build and version details"},
	}

	if opts.Metrics != nil {
		api.UseMiddleware(MetricTelemetryMiddleware(opts.Metrics,
			WithSkipPaths("/health", "/metrics", "/ping", "/docs"),
		))
	}

	RegisterRoutes(api, mux, opts)

	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics.PrometheusHandler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/docs", http.StatusTemporaryRedirect)
			return
		}
		handle404(w, r)
	})
	return api
}
