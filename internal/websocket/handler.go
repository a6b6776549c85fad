package websocket

import (
	"log/slog"
	"net/http"
	"strings"

	ws "github.com/coder/websocket"
)

// HandleWebSocket upgrades the request and runs it as a hub client. The
// optional "entities" query parameter is a comma-separated subscription list.
// originPatterns allows cross-origin dashboards; empty allows same-origin
// only.
func HandleWebSocket(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var entities []string
		if q := r.URL.Query().Get("entities"); q != "" {
			entities = strings.Split(q, ",")
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{OriginPatterns: originPatterns})
		if err != nil {
			logger.Warn("websocket accept", "remote", r.RemoteAddr, "error", err)
			return
		}
		NewClient(hub, conn, entities...).Run(r.Context())
	}
}
