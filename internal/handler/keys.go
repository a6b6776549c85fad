package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/glowcore/internal/keypool"
)

type KeyHandler struct {
	pool   *keypool.Pool
	logger *slog.Logger
}

func NewKeyHandler(pool *keypool.Pool, logger *slog.Logger) *KeyHandler {
	return &KeyHandler{pool: pool, logger: logger}
}

type createKeyRequest struct {
	Name   string `json:"name"`
	Secret string `json:"secret"`
	Notes  string `json:"notes"`
}

// Create handles POST /api/keys
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	k, err := h.pool.Create(r.Context(), req.Name, req.Secret, req.Notes)
	if err != nil {
		writeError(w, h.logger, "failed to create key", err)
		return
	}
	writeJSON(w, http.StatusCreated, k)
}

// List handles GET /api/keys. Secrets are never serialized.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	keys, err := h.pool.List(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to list keys", err)
		return
	}
	if keys == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

type deactivateRequest struct {
	Reason string `json:"reason"`
}

// Deactivate handles POST /api/keys/{id}/deactivate
func (h *KeyHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	var req deactivateRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	k, err := h.pool.Deactivate(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, h.logger, "failed to deactivate key", err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// Activate handles POST /api/keys/{id}/activate
func (h *KeyHandler) Activate(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	k, err := h.pool.Activate(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "failed to activate key", err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// ResetUsage handles POST /api/keys/{id}/reset-usage
func (h *KeyHandler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	k, err := h.pool.ResetUsage(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "failed to reset key usage", err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}
