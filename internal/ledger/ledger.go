// Package ledger is the append-only record of push delivery attempts.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/glowcore/internal/model"
	"github.com/dukerupert/glowcore/internal/store"
)

// attemptNamespace scopes attempt ids so they cannot collide with other
// name-based UUIDs.
var attemptNamespace = uuid.MustParse("6f1f9a52-4d1e-4f8e-9a47-3c1d2b7e5a10")

// AttemptID is the deterministic key for one (notification, token, epoch)
// triple. Recording the same triple twice yields the same id.
func AttemptID(notificationID, deviceTokenID int64, epoch int) string {
	name := strconv.FormatInt(notificationID, 10) + ":" +
		strconv.FormatInt(deviceTokenID, 10) + ":" +
		strconv.Itoa(epoch)
	return uuid.NewSHA1(attemptNamespace, []byte(name)).String()
}

type Ledger struct {
	deliveries *store.DeliveryStore
	logger     *slog.Logger
	now        func() time.Time
}

func New(deliveries *store.DeliveryStore, logger *slog.Logger) *Ledger {
	return &Ledger{
		deliveries: deliveries,
		logger:     logger,
		now:        time.Now,
	}
}

// Record appends the final outcome for one token in one epoch. It fills in
// AttemptID and AttemptedAt when empty, and reports false when the attempt was
// already recorded. Tries is zero for tokens that were never dispatched.
func (l *Ledger) Record(ctx context.Context, a model.DeliveryAttempt) (bool, error) {
	if a.AttemptID == "" {
		a.AttemptID = AttemptID(a.NotificationID, a.DeviceTokenID, a.Epoch)
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = l.now().UTC()
	}
	inserted, err := l.deliveries.Insert(ctx, a)
	if err != nil {
		return false, fmt.Errorf("record delivery attempt: %w", err)
	}
	if !inserted {
		l.logger.Debug("delivery attempt already recorded",
			"attempt_id", a.AttemptID, "notification_id", a.NotificationID, "device_token_id", a.DeviceTokenID)
	}
	return inserted, nil
}

// Query returns every attempt for a notification across all epochs.
func (l *Ledger) Query(ctx context.Context, notificationID int64) ([]model.DeliveryAttempt, error) {
	return l.deliveries.ListByNotification(ctx, notificationID)
}

func (l *Ledger) Tally(ctx context.Context, notificationID int64, epoch int) (model.DeliveryTally, error) {
	return l.deliveries.CountByStatus(ctx, notificationID, epoch)
}

// FailedTokenIDs returns the tokens that ended the epoch with a transient
// error and are worth another try.
func (l *Ledger) FailedTokenIDs(ctx context.Context, notificationID int64, epoch int) ([]int64, error) {
	return l.deliveries.TokenIDsByStatus(ctx, notificationID, epoch, model.DeliveryTransientError)
}

func (l *Ledger) InvalidTokenIDs(ctx context.Context, notificationID int64, epoch int) ([]int64, error) {
	return l.deliveries.TokenIDsByStatus(ctx, notificationID, epoch, model.DeliveryInvalidToken)
}

// RecordedTokenIDs returns every token with an outcome in the epoch.
func (l *Ledger) RecordedTokenIDs(ctx context.Context, notificationID int64, epoch int) (map[int64]bool, error) {
	ids, err := l.deliveries.TokenIDsByStatus(ctx, notificationID, epoch, "")
	if err != nil {
		return nil, err
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}
