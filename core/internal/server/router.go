package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/faultline-systems/faultline/common/logging"
	"github.com/faultline-systems/faultline/common/middleware"
	"github.com/faultline-systems/faultline/core/internal/handlers"
)

// NewRouter wires HTTP routes for the core service.
func NewRouter(h *handlers.Handler, corsOrigins []string, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/projects/{project}/errors", h.IngestError)

	mux.HandleFunc("GET /api/v1/projects/{project}/groups", h.ListGroups)
	mux.HandleFunc("GET /api/v1/projects/{project}/groups/stats", h.GroupStats)
	mux.HandleFunc("GET /api/v1/projects/{project}/groups/{fingerprint}", h.GetGroup)
	mux.HandleFunc("PATCH /api/v1/projects/{project}/groups/{fingerprint}", h.UpdateGroup)
	mux.HandleFunc("GET /api/v1/projects/{project}/groups/{fingerprint}/events", h.ListGroupEvents)
	mux.HandleFunc("GET /api/v1/projects/{project}/usage", h.ProjectUsage)

	mux.HandleFunc("GET /api/v1/workflows/{id}", h.Workflow)

	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = instrument(handler, logger)
	handler = middleware.CORS(middleware.DefaultCORSConfig(corsOrigins))(handler)
	return middleware.RequestID(handler)
}
