package websocket

import (
	"context"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 32
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	// Dashboards only listen; anything they send is discarded.
	readLimit = 4096
)

// Client is one dashboard connection.
type Client struct {
	hub  *Hub
	conn *ws.Conn
	send chan []byte

	// entities limits delivery to these message entities; empty means all.
	entities map[string]struct{}
	missed   atomic.Int32
	slow     atomic.Bool
}

// NewClient subscribes conn to the given entities, e.g. "notification" or
// "api_key". No entities subscribes to everything.
func NewClient(hub *Hub, conn *ws.Conn, entities ...string) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	for _, e := range entities {
		if e = strings.TrimSpace(e); e != "" {
			if c.entities == nil {
				c.entities = make(map[string]struct{})
			}
			c.entities[e] = struct{}{}
		}
	}
	return c
}

func (c *Client) wants(entity string) bool {
	if len(c.entities) == 0 {
		return true
	}
	_, ok := c.entities[entity]
	return ok
}

func (c *Client) entityList() []string {
	out := make([]string, 0, len(c.entities))
	for e := range c.entities {
		out = append(out, e)
	}
	slices.Sort(out)
	return out
}

// Run blocks until the connection closes.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.conn.SetReadLimit(readLimit)
	go c.writePump(ctx, cancel)
	c.discardReads(ctx)
}

func (c *Client) discardReads(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (c *Client) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				if c.slow.Load() {
					c.conn.Close(ws.StatusPolicyViolation, "client too slow")
				} else {
					c.conn.Close(ws.StatusGoingAway, "server shutting down")
				}
				return
			}
			if err := c.write(ctx, msg); err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			done()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, ws.MessageText, msg)
}
