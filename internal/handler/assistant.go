package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/glowcore/internal/assistant"
	"github.com/dukerupert/glowcore/internal/keypool"
)

// RetryEstimator says how long until the key pool can serve again.
type RetryEstimator interface {
	RetryAfter(ctx context.Context) time.Duration
}

type AssistantHandler struct {
	responder *assistant.Responder
	retry     RetryEstimator
	logger    *slog.Logger
}

func NewAssistantHandler(responder *assistant.Responder, retry RetryEstimator, logger *slog.Logger) *AssistantHandler {
	return &AssistantHandler{responder: responder, retry: retry, logger: logger}
}

type completeRequest struct {
	Prompt   string `json:"prompt"`
	Workload string `json:"workload"`
}

// Complete handles POST /api/assistant/complete
func (h *AssistantHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reply, err := h.responder.Complete(r.Context(), req.Workload, req.Prompt)
	if err != nil {
		if errors.Is(err, keypool.ErrPoolExhausted) && h.retry != nil {
			setRetryAfter(w, h.retry.RetryAfter(r.Context()))
		}
		writeError(w, h.logger, "failed to complete prompt", err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}
