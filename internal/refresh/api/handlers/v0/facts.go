package v0

import (
	"net/http"

	"github.com/intelboard/intelboard/internal/refresh/facts"
)

// RegisterFactsHandler registers the ambient fact-card websocket.
func RegisterFactsHandler(mux *http.ServeMux, pathPrefix string, streamer *facts.Streamer) {
	mux.HandleFunc("GET "+pathPrefix+"/locations/{locationId}/facts/ws", func(w http.ResponseWriter, r *http.Request) {
		if streamer == nil {
			writeProblem(w, http.StatusServiceUnavailable, "fact stream is not configured", "")
			return
		}
		streamer.ServeWS(w, r, r.PathValue("locationId"))
	})
}
