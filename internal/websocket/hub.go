// Package websocket pushes live send, key pool and backup events to operator
// dashboards.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// maxMissed is how many consecutive messages a client may miss before the hub
// disconnects it. A dashboard that far behind shows stale counts anyway.
const maxMissed = 8

// Message is one event broadcast to dashboards.
type Message struct {
	Type   string `json:"type"`
	Entity string `json:"entity"`
	Action string `json:"action"`
	ID     int64  `json:"id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// NewMessage derives Type from entity and action.
func NewMessage(entity, action string, id int64, data any) Message {
	return Message{
		Type:   entity + "_" + action,
		Entity: entity,
		Action: action,
		ID:     id,
		Data:   data,
	}
}

// Hub tracks connected dashboards and fans events out to the ones that
// subscribed to the event's entity.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	dropped atomic.Int64
	evicted atomic.Int64
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("dashboard connected", "clients", n, "entities", c.entityList())
}

// Unregister removes c and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast never blocks. A client whose buffer is full misses the message;
// one that misses maxMissed in a row is disconnected.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal broadcast", "type", msg.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(msg.Entity) {
			continue
		}
		select {
		case c.send <- data:
			c.missed.Store(0)
		default:
			h.dropped.Add(1)
			if c.missed.Add(1) >= maxMissed {
				slow = append(slow, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		c.slow.Store(true)
		h.Unregister(c)
		h.evicted.Add(1)
		h.logger.Warn("disconnected slow dashboard", "missed", maxMissed)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped is the number of messages skipped for slow clients.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Evicted is the number of clients disconnected for falling behind.
func (h *Hub) Evicted() int64 {
	return h.evicted.Load()
}
