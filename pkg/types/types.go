package types

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/intelboard/intelboard/internal/refresh/catalog"
	"github.com/intelboard/intelboard/internal/refresh/jobs"
	"github.com/intelboard/intelboard/internal/refresh/pipeline"
)

// StoreFactory creates the job and snapshot stores. It is used instead of
// PostgreSQL when set, which lets embedders supply their own backend.
type StoreFactory func(ctx context.Context, databaseURL string) (jobs.Store, catalog.SnapshotStore, error)

// AppOptions contains optional extension points for the refresh server.
//
// This type lives in pkg/types so embedders can build options without
// importing the app package itself.
type AppOptions struct {
	// StoreFactory replaces the built-in store selection.
	StoreFactory StoreFactory

	// Fetcher replaces the HTTP provider client, for example with a fixture source.
	Fetcher catalog.Fetcher

	// RegisterJobTypes adds job types after the built-in catalog is registered.
	RegisterJobTypes func(reg *pipeline.Registry) error

	// OnHTTPServerCreated receives the server before it starts listening.
	OnHTTPServerCreated func(Server)
}

// Server represents the HTTP server and provides access to the Huma API
// and HTTP mux for registering new routes and handlers.
type Server interface {
	// HumaAPI returns the Huma API instance, allowing registration of new routes
	// that will appear in the OpenAPI documentation.
	HumaAPI() huma.API

	// Mux returns the HTTP ServeMux, allowing registration of custom HTTP handlers
	Mux() *http.ServeMux

	// Start begins listening for incoming HTTP requests
	Start() error

	// Shutdown gracefully shuts down the server
	Shutdown(ctx context.Context) error
}

// CLIAuthnProvider supplies a bearer token for ibctl when none is given on
// the command line or in the environment.
type CLIAuthnProvider interface {
	Authenticate(ctx context.Context) (token string, err error)
}
