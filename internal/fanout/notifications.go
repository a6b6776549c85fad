package fanout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dukerupert/glowcore/internal/audience"
	"github.com/dukerupert/glowcore/internal/model"
)

var ErrInvalidNotification = errors.New("invalid notification")

// Create stores a new notification. One with a future scheduled_at starts as
// "scheduled" and is picked up by the scheduler; anything else is a draft
// waiting for an explicit Send.
func (d *Dispatcher) Create(ctx context.Context, in model.NewNotification) (*model.Notification, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Message = strings.TrimSpace(in.Message)
	if in.Title == "" || in.Message == "" {
		return nil, fmt.Errorf("%w: title and message are required", ErrInvalidNotification)
	}
	if in.TargetAudience == "" {
		in.TargetAudience = model.AudienceAll
	}
	switch in.TargetAudience {
	case model.AudienceAll:
		in.UserIDs = nil
	case model.AudienceSpecific:
		if len(in.UserIDs) == 0 {
			return nil, fmt.Errorf("%w: specific targeting needs user_ids", ErrInvalidNotification)
		}
	default:
		return nil, fmt.Errorf("%w: unknown target_audience %q", ErrInvalidNotification, in.TargetAudience)
	}
	if in.Priority == "" {
		in.Priority = "normal"
	}

	now := d.now().UTC()
	status := model.StatusDraft
	if in.ScheduledAt != nil {
		if !in.ScheduledAt.After(now) {
			return nil, fmt.Errorf("%w: scheduled_at must be in the future", ErrInvalidNotification)
		}
		status = model.StatusScheduled
	}

	n, err := d.notifications.Create(ctx, in, status, now)
	if err != nil {
		return nil, err
	}
	d.logger.Info("notification created", "notification_id", n.ID, "audience", n.TargetAudience,
		"recipients", n.RecipientCount, "status", n.Status)
	return n, nil
}

// Get returns a notification or ErrNotFound.
func (d *Dispatcher) Get(ctx context.Context, id int64) (*model.Notification, error) {
	return d.load(ctx, id)
}

func (d *Dispatcher) List(ctx context.Context, limit int) ([]model.Notification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return d.notifications.List(ctx, limit)
}

// Deliveries returns every ledger row for a notification.
func (d *Dispatcher) Deliveries(ctx context.Context, id int64) ([]model.DeliveryAttempt, error) {
	if _, err := d.load(ctx, id); err != nil {
		return nil, err
	}
	return d.ledger.Query(ctx, id)
}

// SendDue sends every scheduled notification whose time has come and returns
// how many were sent.
func (d *Dispatcher) SendDue(ctx context.Context) (int, error) {
	due, err := d.notifications.ListDue(ctx, d.now())
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, n := range due {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		_, err := d.Send(ctx, n.ID)
		switch {
		case err == nil:
			sent++
		case errors.Is(err, ErrDuplicateSend), errors.Is(err, ErrSendInProgress):
		case errors.Is(err, audience.ErrNoDevices):
			// Stays scheduled; the next tick tries again once devices register.
			d.logger.Warn("scheduled notification has no devices", "notification_id", n.ID)
		default:
			d.logger.Error("send scheduled notification", "notification_id", n.ID, "error", err)
		}
	}
	return sent, nil
}
