package router

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	v0 "github.com/intelboard/intelboard/internal/refresh/api/handlers/v0"
)

// RegisterRoutes registers every API route. This is the single entry point
// for route registration.
func RegisterRoutes(api huma.API, mux *http.ServeMux, opts Options) {
	const pathPrefix = "/v0"

	version := ""
	if opts.VersionInfo != nil {
		version = opts.VersionInfo.Version
	} else {
		version = "dev"
		opts.VersionInfo = &v0.VersionBody{Version: version}
	}

	v0.RegisterHealthEndpoint(api, pathPrefix, version, opts.Service.Hub())
	v0.RegisterPingEndpoint(api, pathPrefix)
	v0.RegisterVersionEndpoint(api, pathPrefix, opts.VersionInfo)
	v0.RegisterJobsEndpoints(api, pathPrefix, opts.Service)

	v0.RegisterStreamHandlers(mux, pathPrefix, opts.Service, opts.Logger, opts.PingInterval)
	v0.RegisterFactsHandler(mux, pathPrefix, opts.Streamer)
}
