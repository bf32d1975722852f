package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/shehryarbajwa/labforge/internal/events"
	"github.com/shehryarbajwa/labforge/internal/session"
	"github.com/shehryarbajwa/labforge/pkg/models"
)

// Sessions is the orchestrator surface the HTTP layer needs
type Sessions interface {
	Start(ctx context.Context, userID, labID string) (*models.SessionView, error)
	Status(ctx context.Context, sessionID, userID string) (*models.SessionView, error)
	End(ctx context.Context, sessionID, userID string) (*models.SessionView, error)
	ConsoleURL(ctx context.Context, sessionID, userID string) (*session.ConsoleLink, error)
	History(ctx context.Context, userID, labID string) ([]*models.SessionView, error)
	Watch(ctx context.Context, sessionID, userID string) (*models.SessionView, <-chan events.Event, func(), error)
	Accounts(ctx context.Context) ([]models.AccountAvailability, error)
}

// HealthCheck reports whether backing services are reachable
type HealthCheck func(ctx context.Context) error

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessions Sessions
	health   HealthCheck
	log      zerolog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(sessions Sessions, health HealthCheck, log zerolog.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		health:   health,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// StartSession handles POST /v1/labs/{labId}/sessions
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	labID := mux.Vars(r)["labId"]

	view, err := h.sessions.Start(r.Context(), userID(r), labID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	code := http.StatusOK
	switch view.Status {
	case models.StatusActive:
		code = http.StatusCreated
	case models.StatusPending:
		code = http.StatusAccepted
	}
	writeJSON(w, code, view)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	view, err := h.sessions.Status(r.Context(), id, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// EndSession handles POST /v1/sessions/{id}/end and DELETE /v1/sessions/{id}
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	view, err := h.sessions.End(r.Context(), id, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// GetConsoleURL handles GET /v1/sessions/{id}/console
func (h *Handler) GetConsoleURL(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	link, err := h.sessions.ConsoleURL(r.Context(), id, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, link)
}

// ListLabSessions handles GET /v1/labs/{labId}/sessions
func (h *Handler) ListLabSessions(w http.ResponseWriter, r *http.Request) {
	labID := mux.Vars(r)["labId"]

	views, err := h.sessions.History(r.Context(), userID(r), labID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// ListAccounts handles GET /v1/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.sessions.Accounts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.log.Warn().Err(err).Msg("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
