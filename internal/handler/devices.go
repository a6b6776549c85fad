package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/glowcore/internal/devices"
	"github.com/dukerupert/glowcore/internal/model"
)

type DeviceHandler struct {
	registry *devices.Registry
	logger   *slog.Logger
}

func NewDeviceHandler(registry *devices.Registry, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{registry: registry, logger: logger}
}

type registerDeviceRequest struct {
	UserID   string         `json:"user_id"`
	Platform model.Platform `json:"platform"`
	Token    string         `json:"token"`
}

type registerDeviceResponse struct {
	Device    *model.DeviceToken `json:"device"`
	Refreshed bool               `json:"refreshed"`
	Replaced  int64              `json:"replaced"`
}

// Register handles POST /api/devices
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.registry.Register(r.Context(), req.UserID, req.Platform, req.Token)
	if err != nil {
		writeError(w, h.logger, "failed to register device", err)
		return
	}
	status := http.StatusCreated
	if res.Refreshed {
		status = http.StatusOK
	}
	writeJSON(w, status, registerDeviceResponse{Device: res.Token, Refreshed: res.Refreshed, Replaced: res.Replaced})
}

// Get handles GET /api/devices/{id}
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	token, err := h.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "failed to get device", err)
		return
	}
	if token == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "device not found", Code: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// Delete handles DELETE /api/devices/{id}
func (h *DeviceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	found, err := h.registry.Delete(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "failed to delete device", err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "device not found", Code: "not_found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListByUser handles GET /api/users/{user_id}/devices
func (h *DeviceHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.registry.ListByUser(r.Context(), r.PathValue("user_id"))
	if err != nil {
		writeError(w, h.logger, "failed to list devices", err)
		return
	}
	if tokens == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// Cleanup handles POST /api/devices/cleanup
func (h *DeviceHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	res, err := h.registry.Prune(r.Context())
	if err != nil {
		writeError(w, h.logger, "failed to prune devices", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
