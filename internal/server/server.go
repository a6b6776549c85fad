package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/glowcore/internal/assistant"
	"github.com/dukerupert/glowcore/internal/database"
	"github.com/dukerupert/glowcore/internal/devices"
	"github.com/dukerupert/glowcore/internal/fanout"
	"github.com/dukerupert/glowcore/internal/handler"
	"github.com/dukerupert/glowcore/internal/keypool"
	"github.com/dukerupert/glowcore/internal/middleware"
	ws "github.com/dukerupert/glowcore/internal/websocket"
)

// Options are the HTTP-facing settings.
type Options struct {
	AdminToken         string
	WSOrigins          []string
	RegisterRateLimit  int
	RegisterRateWindow time.Duration
	WSTicketTTL        time.Duration
	// Limiter for device registration; an in-memory limiter when nil.
	Limiter middleware.Limiter
	// Backups, when set, mounts the snapshot routes.
	Backups handler.Backups
}

type Server struct {
	db          *database.DB
	hub         *ws.Hub
	keyH        *handler.KeyHandler
	notifH      *handler.NotificationHandler
	deviceH     *handler.DeviceHandler
	assistantH  *handler.AssistantHandler
	backupH     *handler.BackupHandler
	ticketH     *handler.TicketHandler
	tickets     *middleware.Tickets
	rateLimiter middleware.Limiter
	opts        Options
	logger      *slog.Logger
}

// New builds the server. responder may be nil when no AI provider is
// configured; the assistant route is then not mounted.
func New(
	db *database.DB,
	pool *keypool.Pool,
	registry *devices.Registry,
	dispatcher *fanout.Dispatcher,
	responder *assistant.Responder,
	hub *ws.Hub,
	opts Options,
	logger *slog.Logger,
) *Server {
	if opts.RegisterRateLimit <= 0 {
		opts.RegisterRateLimit = 30
	}
	if opts.RegisterRateWindow <= 0 {
		opts.RegisterRateWindow = time.Minute
	}

	s := &Server{
		db:          db,
		hub:         hub,
		keyH:        handler.NewKeyHandler(pool, logger.With("component", "keys")),
		notifH:      handler.NewNotificationHandler(dispatcher, ws.NewPublisher(hub), logger.With("component", "notifications")),
		deviceH:     handler.NewDeviceHandler(registry, logger.With("component", "devices")),
		rateLimiter: opts.Limiter,
		opts:        opts,
		logger:      logger,
	}
	if responder != nil {
		s.assistantH = handler.NewAssistantHandler(responder, pool, logger.With("component", "assistant"))
	}
	if s.rateLimiter == nil {
		s.rateLimiter = middleware.NewRateLimiter()
	}
	if opts.Backups != nil {
		s.backupH = handler.NewBackupHandler(opts.Backups, logger.With("component", "backup"))
	}
	if opts.AdminToken != "" {
		s.tickets = middleware.NewTickets(opts.AdminToken, opts.WSTicketTTL)
		s.ticketH = handler.NewTicketHandler(s.tickets, logger.With("component", "tickets"))
	}
	return s
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()
	outerMux.HandleFunc("GET /health", s.healthHandler)

	apiMux := http.NewServeMux()
	s.registerAPIRoutes(apiMux)
	requireToken := middleware.RequireToken(s.opts.AdminToken)
	outerMux.Handle("/api/", requireToken(apiMux))
	requireTicket := middleware.RequireTokenOrTicket(s.opts.AdminToken, s.tickets)
	outerMux.Handle("GET /ws", requireTicket(ws.HandleWebSocket(s.hub, s.opts.WSOrigins, s.logger.With("component", "websocket"))))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) registerAPIRoutes(mux *http.ServeMux) {
	// Key pool
	mux.HandleFunc("GET /api/keys", s.keyH.List)
	mux.HandleFunc("POST /api/keys", s.keyH.Create)
	mux.HandleFunc("POST /api/keys/{id}/deactivate", s.keyH.Deactivate)
	mux.HandleFunc("POST /api/keys/{id}/activate", s.keyH.Activate)
	mux.HandleFunc("POST /api/keys/{id}/reset-usage", s.keyH.ResetUsage)

	// Notifications
	mux.HandleFunc("GET /api/notifications", s.notifH.List)
	mux.HandleFunc("POST /api/notifications", s.notifH.Create)
	mux.HandleFunc("GET /api/notifications/{id}", s.notifH.Get)
	mux.HandleFunc("POST /api/notifications/{id}/send", s.notifH.Send)
	mux.HandleFunc("POST /api/notifications/{id}/resend", s.notifH.Resend)
	mux.HandleFunc("GET /api/notifications/{id}/deliveries", s.notifH.Deliveries)

	// Devices
	mux.Handle("POST /api/devices", s.rateLimited(s.deviceH.Register))
	mux.HandleFunc("GET /api/devices/{id}", s.deviceH.Get)
	mux.HandleFunc("DELETE /api/devices/{id}", s.deviceH.Delete)
	mux.HandleFunc("POST /api/devices/cleanup", s.deviceH.Cleanup)
	mux.HandleFunc("GET /api/users/{user_id}/devices", s.deviceH.ListByUser)

	if s.assistantH != nil {
		mux.HandleFunc("POST /api/assistant/complete", s.assistantH.Complete)
	}
	if s.backupH != nil {
		mux.HandleFunc("GET /api/backups", s.backupH.List)
		mux.HandleFunc("POST /api/backups", s.backupH.Run)
	}
	if s.ticketH != nil {
		mux.HandleFunc("POST /api/ws-ticket", s.ticketH.Issue)
	}
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(s.rateLimiter, middleware.RealIP, s.opts.RegisterRateLimit, s.opts.RegisterRateWindow)(h)
}

type healthResponse struct {
	Status      string `json:"status"`
	Database    string `json:"database"`
	RateLimiter string `json:"rate_limiter,omitempty"`
	WSClients   int    `json:"ws_clients"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Database: "ok", WSClients: s.hub.ClientCount()}
	status := http.StatusOK
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check ping", "error", err)
		resp.Status, resp.Database = "degraded", "unreachable"
		status = http.StatusServiceUnavailable
	}
	// The limiter fails open, so an unreachable Redis degrades nothing.
	if p, ok := s.rateLimiter.(pinger); ok {
		resp.RateLimiter = "ok"
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("health check rate limiter", "error", err)
			resp.RateLimiter = "unreachable"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
