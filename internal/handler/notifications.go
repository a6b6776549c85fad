package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/glowcore/internal/fanout"
	"github.com/dukerupert/glowcore/internal/model"
)

// CreatedObserver hears about newly created notifications.
type CreatedObserver interface {
	NotificationCreated(n model.Notification)
}

type NotificationHandler struct {
	dispatcher *fanout.Dispatcher
	observer   CreatedObserver
	logger     *slog.Logger
}

func NewNotificationHandler(d *fanout.Dispatcher, observer CreatedObserver, logger *slog.Logger) *NotificationHandler {
	return &NotificationHandler{dispatcher: d, observer: observer, logger: logger}
}

// Create handles POST /api/notifications
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.NewNotification
	if !decodeJSON(w, r, &req) {
		return
	}
	n, err := h.dispatcher.Create(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, "failed to create notification", err)
		return
	}
	if h.observer != nil {
		h.observer.NotificationCreated(*n)
	}
	writeJSON(w, http.StatusCreated, n)
}

// List handles GET /api/notifications?limit=N
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.dispatcher.List(r.Context(), limit)
	if err != nil {
		writeError(w, h.logger, "failed to list notifications", err)
		return
	}
	if list == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /api/notifications/{id}
func (h *NotificationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	n, err := h.dispatcher.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "failed to get notification", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// Send handles POST /api/notifications/{id}/send
func (h *NotificationHandler) Send(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	res, err := h.dispatcher.Send(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "failed to send notification", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Resend handles POST /api/notifications/{id}/resend
func (h *NotificationHandler) Resend(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	res, err := h.dispatcher.ResendFailed(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "failed to resend notification", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Deliveries handles GET /api/notifications/{id}/deliveries
func (h *NotificationHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		badID(w)
		return
	}
	rows, err := h.dispatcher.Deliveries(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, "failed to list deliveries", err)
		return
	}
	if rows == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}
