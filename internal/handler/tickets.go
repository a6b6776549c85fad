package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// TicketIssuer mints credentials for the websocket status stream.
type TicketIssuer interface {
	Issue() (string, time.Time, error)
}

type TicketHandler struct {
	issuer TicketIssuer
	logger *slog.Logger
}

func NewTicketHandler(issuer TicketIssuer, logger *slog.Logger) *TicketHandler {
	return &TicketHandler{issuer: issuer, logger: logger}
}

type ticketResponse struct {
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issue handles POST /api/ws-ticket
func (h *TicketHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ticket, expires, err := h.issuer.Issue()
	if err != nil {
		writeError(w, h.logger, "failed to issue ticket", err)
		return
	}
	writeJSON(w, http.StatusCreated, ticketResponse{Ticket: ticket, ExpiresAt: expires.UTC()})
}
