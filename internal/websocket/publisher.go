package websocket

import (
	"context"

	"github.com/dukerupert/glowcore/internal/backup"
	"github.com/dukerupert/glowcore/internal/fanout"
	"github.com/dukerupert/glowcore/internal/model"
)

// Publisher forwards pool and dispatcher events to the hub.
type Publisher struct {
	hub *Hub
}

func NewPublisher(hub *Hub) *Publisher {
	return &Publisher{hub: hub}
}

type sendStatus struct {
	Status        model.NotificationStatus `json:"status"`
	Epoch         int                      `json:"epoch"`
	Sent          int                      `json:"sent"`
	Failed        int                      `json:"failed"`
	Invalid       int                      `json:"invalid"`
	Rejected      int                      `json:"rejected"`
	NotDispatched int                      `json:"not_dispatched,omitempty"`
	TimedOut      bool                     `json:"timed_out,omitempty"`
}

func (p *Publisher) SendFinished(_ context.Context, n model.Notification, res *fanout.SendResult) {
	p.hub.Broadcast(NewMessage("notification", "status", n.ID, sendStatus{
		Status:        res.Status,
		Epoch:         res.Epoch,
		Sent:          res.Sent,
		Failed:        res.Failed,
		Invalid:       res.Invalid,
		Rejected:      res.Rejected,
		NotDispatched: res.NotDispatched,
		TimedOut:      res.TimedOut,
	}))
}

func (p *Publisher) KeyDeactivated(_ context.Context, key model.APIKey, reason string) {
	p.hub.Broadcast(NewMessage("api_key", "deactivated", key.ID, map[string]string{
		"name":   key.Name,
		"reason": reason,
	}))
}

// NotificationCreated announces a new notification.
func (p *Publisher) NotificationCreated(n model.Notification) {
	p.hub.Broadcast(NewMessage("notification", "created", n.ID, map[string]any{
		"title":  n.Title,
		"status": n.Status,
	}))
}

// BackupStatus is a backup.StatusCallback.
func (p *Publisher) BackupStatus(s backup.Status) {
	p.hub.Broadcast(NewMessage("backup", "status", 0, s))
}
