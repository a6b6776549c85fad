// Package handler exposes the key pool, device registry and notification
// dispatcher as a JSON API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/glowcore/internal/ai"
	"github.com/dukerupert/glowcore/internal/assistant"
	"github.com/dukerupert/glowcore/internal/audience"
	"github.com/dukerupert/glowcore/internal/backup"
	"github.com/dukerupert/glowcore/internal/devices"
	"github.com/dukerupert/glowcore/internal/fanout"
	"github.com/dukerupert/glowcore/internal/keypool"
	"github.com/dukerupert/glowcore/internal/store"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON", Code: "bad_request"})
		return false
	}
	return true
}

func badID(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid id", Code: "bad_request"})
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
}

// errorStatus maps domain errors to an HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, fanout.ErrDuplicateSend):
		return http.StatusConflict, "duplicate_send"
	case errors.Is(err, fanout.ErrSendInProgress):
		return http.StatusConflict, "send_in_progress"
	case errors.Is(err, fanout.ErrNotResendable):
		return http.StatusConflict, "not_resendable"
	case errors.Is(err, fanout.ErrNothingToResend):
		return http.StatusUnprocessableEntity, "nothing_to_resend"
	case errors.Is(err, audience.ErrNoDevices):
		return http.StatusUnprocessableEntity, "no_devices"
	case errors.Is(err, keypool.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "pool_exhausted"
	case errors.Is(err, store.ErrConflict):
		return http.StatusServiceUnavailable, "conflict"
	case errors.Is(err, fanout.ErrNotFound), errors.Is(err, keypool.ErrKeyNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, fanout.ErrInvalidNotification), errors.Is(err, keypool.ErrInvalidKey),
		errors.Is(err, devices.ErrInvalidToken), errors.Is(err, assistant.ErrEmptyPrompt):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, backup.ErrInProgress):
		return http.StatusConflict, "backup_in_progress"
	case errors.Is(err, backup.ErrNotConfigured):
		return http.StatusServiceUnavailable, "backup_not_configured"
	case errors.Is(err, backup.ErrUnsupported):
		return http.StatusUnprocessableEntity, "backup_unsupported"
	case errors.Is(err, ai.ErrBlocked):
		return http.StatusUnprocessableEntity, "prompt_blocked"
	case errors.Is(err, ai.ErrQuotaExceeded), errors.Is(err, ai.ErrTransient), errors.Is(err, ai.ErrPermanent):
		return http.StatusBadGateway, "provider_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	status, code := errorStatus(err)
	if status >= 500 && status != http.StatusServiceUnavailable {
		logger.Error(msg, "error", err)
		writeJSON(w, status, errorResponse{Error: msg, Code: code})
		return
	}
	logger.Warn(msg, "error", err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}
