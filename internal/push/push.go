// Package push delivers one payload to one device token. Provider-specific
// failures are normalized to ErrInvalidToken, ErrRejected or ErrTransient at
// this boundary.
package push

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dukerupert/glowcore/internal/model"
)

var (
	// ErrInvalidToken means the token will never work again and should be
	// removed from the registry.
	ErrInvalidToken = errors.New("push token invalid")
	// ErrRejected is a permanent refusal not caused by the token (bad
	// payload, provider auth). Not retried.
	ErrRejected = errors.New("push rejected")
	// ErrTransient is worth retrying.
	ErrTransient = errors.New("push transient failure")
)

// Payload is what a device receives.
type Payload struct {
	NotificationID int64             `json:"notification_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	URL            string            `json:"url,omitempty"`
	ImageURL       string            `json:"image_url,omitempty"`
	Tag            string            `json:"tag,omitempty"`
	Type           string            `json:"type,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
}

// PayloadFor builds the device payload for a notification.
func PayloadFor(n *model.Notification) Payload {
	return Payload{
		NotificationID: n.ID,
		Title:          n.Title,
		Body:           n.Message,
		URL:            n.Link,
		ImageURL:       n.ImageURL,
		Tag:            "notification-" + strconv.FormatInt(n.ID, 10),
		Type:           n.Type,
		Priority:       n.Priority,
	}
}

// HighPriority reports whether the payload asks for immediate delivery.
func (p Payload) HighPriority() bool {
	return p.Priority == "high" || p.Priority == "urgent"
}

// Provider sends to any platform.
type Provider interface {
	Send(ctx context.Context, platform model.Platform, token string, p Payload) error
}

// Sender sends to a single platform's service.
type Sender interface {
	Send(ctx context.Context, token string, p Payload) error
}

// Router dispatches to a Sender per platform.
type Router struct {
	senders map[model.Platform]Sender
}

func NewRouter() *Router {
	return &Router{senders: make(map[model.Platform]Sender)}
}

// Handle registers s for the given platforms.
func (r *Router) Handle(s Sender, platforms ...model.Platform) *Router {
	for _, p := range platforms {
		r.senders[p] = s
	}
	return r
}

// Supports reports whether a sender is registered for platform.
func (r *Router) Supports(platform model.Platform) bool {
	_, ok := r.senders[platform]
	return ok
}

func (r *Router) Send(ctx context.Context, platform model.Platform, token string, p Payload) error {
	s, ok := r.senders[platform]
	if !ok {
		return fmt.Errorf("%w: no sender configured for platform %q", ErrRejected, platform)
	}
	return s.Send(ctx, token, p)
}

// Status maps a Send error to the ledger outcome.
func Status(err error) model.DeliveryStatus {
	switch {
	case err == nil:
		return model.DeliverySent
	case errors.Is(err, ErrInvalidToken):
		return model.DeliveryInvalidToken
	case errors.Is(err, ErrRejected):
		return model.DeliveryRejected
	default:
		return model.DeliveryTransientError
	}
}

// Retryable reports whether err is worth another attempt. Anything not known
// to be permanent is retried.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrRejected)
}
