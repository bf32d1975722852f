package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/shehryarbajwa/labforge/internal/driver"
	"github.com/shehryarbajwa/labforge/internal/federation"
	"github.com/shehryarbajwa/labforge/internal/guard"
	"github.com/shehryarbajwa/labforge/internal/pool"
	"github.com/shehryarbajwa/labforge/internal/session"
	"github.com/shehryarbajwa/labforge/internal/store"
)

// retryAfter is the hint sent with capacity errors
const retryAfter = 30

var errMissingUser = errors.New("missing X-User-ID header")

// ErrorResponse is the JSON body of every error
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

type apiError struct {
	status    int
	code      string
	retryable bool
}

func classify(err error) apiError {
	switch {
	case errors.Is(err, errMissingUser):
		return apiError{http.StatusUnauthorized, "UNAUTHENTICATED", false}
	case errors.Is(err, session.ErrInvalidRequest):
		return apiError{http.StatusBadRequest, "INVALID_REQUEST", false}
	case errors.Is(err, session.ErrUnauthorized):
		return apiError{http.StatusForbidden, "FORBIDDEN", false}
	case errors.Is(err, session.ErrLabNotFound):
		return apiError{http.StatusNotFound, "LAB_NOT_FOUND", false}
	case errors.Is(err, store.ErrNotFound):
		return apiError{http.StatusNotFound, "SESSION_NOT_FOUND", false}
	case errors.Is(err, guard.ErrAlreadyInProgress):
		return apiError{http.StatusConflict, "ALREADY_IN_PROGRESS", true}
	case errors.Is(err, session.ErrNotActive):
		return apiError{http.StatusConflict, "SESSION_NOT_ACTIVE", false}
	case errors.Is(err, guard.ErrPoolAtCapacity):
		return apiError{http.StatusServiceUnavailable, "POOL_AT_CAPACITY", true}
	case errors.Is(err, pool.ErrAccountPoolExhausted):
		return apiError{http.StatusServiceUnavailable, "ACCOUNT_POOL_EXHAUSTED", true}
	case errors.Is(err, driver.ErrProvisioningFailed):
		return apiError{http.StatusUnprocessableEntity, "PROVISIONING_FAILED", false}
	case errors.Is(err, federation.ErrFederationFailed):
		return apiError{http.StatusBadGateway, "FEDERATION_FAILED", true}
	default:
		return apiError{http.StatusInternalServerError, "INTERNAL", false}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)

	msg := err.Error()
	if e.status >= http.StatusInternalServerError && e.code == "INTERNAL" {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	}
	if e.status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}

	writeJSON(w, e.status, ErrorResponse{Error: msg, Code: e.code, Retryable: e.retryable})
}
