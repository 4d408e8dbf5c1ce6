package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/warp/skill-exchange/credit"
	"github.com/warp/skill-exchange/session"
)

// =============================================================================
// RESPONSES
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// statusFor maps a domain error to an HTTP status and a public message.
// Internal errors return false: their details must not reach the client.
func statusFor(err error) (int, string, bool) {
	switch {
	case errors.Is(err, session.ErrBookingRejected):
		return http.StatusUnprocessableEntity, "Booking rejected", true
	case errors.Is(err, credit.ErrInsufficientCredits):
		return http.StatusUnprocessableEntity, "Insufficient credits", true
	case errors.Is(err, credit.ErrInvalidRequest):
		return http.StatusBadRequest, "Invalid request", true
	case errors.Is(err, credit.ErrNotAuthorized):
		return http.StatusForbidden, "Not authorized", true
	case errors.Is(err, credit.ErrNotFound):
		return http.StatusNotFound, "Not found", true
	case errors.Is(err, credit.ErrInvalidState):
		return http.StatusConflict, "Invalid state", true
	case errors.Is(err, credit.ErrConcurrentModification):
		return http.StatusConflict, "Concurrent modification, retry", true
	case errors.Is(err, credit.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "Idempotency key already used", true
	case errors.Is(err, credit.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "Service unavailable", false
	default:
		return http.StatusInternalServerError, "Internal error", false
	}
}

// fail writes err with its mapped status. Ledger defects and unknown errors
// are logged in full and answered with a generic body.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg, public := statusFor(err)
	if public {
		writeError(w, status, msg, err)
		return
	}
	level := slog.LevelError
	if status == http.StatusServiceUnavailable {
		level = slog.LevelWarn
	}
	h.logger().Log(r.Context(), level, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"internal", credit.IsInternal(err),
		"error", err,
	)
	writeError(w, status, msg, nil)
}
