package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shehryarbajwa/labforge/internal/ratelimit"
)

// SetupRoutes configures all HTTP routes
func (h *Handler) SetupRoutes(rateLimiter *ratelimit.Limiter, requestsPerHour int) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)

	// API v1 routes
	api := r.PathPrefix("/v1").Subrouter()
	api.Use(h.UserMiddleware)

	// Start and end provision or destroy infrastructure; rate limited per user
	limited := api.PathPrefix("").Subrouter()
	limited.Use(RateLimitMiddleware(rateLimiter, requestsPerHour))
	limited.HandleFunc("/labs/{labId}/sessions", h.StartSession).Methods(http.MethodPost)
	limited.HandleFunc("/sessions/{id}/end", h.EndSession).Methods(http.MethodPost)
	limited.HandleFunc("/sessions/{id}", h.EndSession).Methods(http.MethodDelete)

	api.HandleFunc("/labs/{labId}/sessions", h.ListLabSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/console", h.GetConsoleURL).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}/ws", h.StreamSession).Methods(http.MethodGet)
	api.HandleFunc("/accounts", h.ListAccounts).Methods(http.MethodGet)

	// CORS wraps the router so preflight requests never reach route matching
	return LoggingMiddleware(h.log)(corsMiddleware(r))
}
