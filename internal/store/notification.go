package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/glowcore/internal/database"
	"github.com/dukerupert/glowcore/internal/model"
)

type NotificationStore struct {
	db *database.DB
}

func NewNotificationStore(db *database.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

const notificationCols = `id, title, message, type, priority, target_audience, image_url, link, template_name,
	scheduled_at, sent_at, status, attempt_epoch, sending_at, recipient_count, created_at, updated_at`

func scanNotification(s scanner) (*model.Notification, error) {
	var n model.Notification
	var scheduledAt, sentAt, sendingAt sql.NullTime
	err := s.Scan(
		&n.ID, &n.Title, &n.Message, &n.Type, &n.Priority, &n.TargetAudience, &n.ImageURL, &n.Link, &n.TemplateName,
		&scheduledAt, &sentAt, &n.Status, &n.AttemptEpoch, &sendingAt, &n.RecipientCount, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.ScheduledAt = timePtr(scheduledAt)
	n.SentAt = timePtr(sentAt)
	n.SendingAt = timePtr(sendingAt)
	return &n, nil
}

// Create inserts the notification and, for "specific" targeting, one
// user_notifications row per distinct user in the same transaction.
func (s *NotificationStore) Create(ctx context.Context, in model.NewNotification, status model.NotificationStatus, now time.Time) (*model.Notification, error) {
	now = now.UTC()
	userIDs := dedupeStrings(in.UserIDs)

	var id int64
	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO notifications (title, message, type, priority, target_audience, image_url, link, template_name,
			   scheduled_at, status, recipient_count, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			in.Title, in.Message, in.Type, in.Priority, string(in.TargetAudience), in.ImageURL, in.Link, in.TemplateName,
			nullTime(in.ScheduledAt), string(status), len(userIDs), now, now,
		).Scan(&id); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}

		if in.TargetAudience != model.AudienceSpecific {
			return nil
		}
		for _, uid := range userIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO user_notifications (user_id, notification_id, is_read) VALUES (?, ?, ?)`,
				uid, id, false,
			); err != nil {
				return fmt.Errorf("insert user notification: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

func (s *NotificationStore) GetByID(ctx context.Context, id int64) (*model.Notification, error) {
	n, err := scanNotification(s.db.QueryRowContext(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func (s *NotificationStore) List(ctx context.Context, limit int) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// ListDue returns scheduled notifications whose time has come.
func (s *NotificationStore) ListDue(ctx context.Context, now time.Time) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE status = ? AND sent_at IS NULL AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at ASC, id ASC`,
		string(model.StatusScheduled), now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list due notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// ListStaleSending returns notifications whose send claim is older than before,
// i.e. the worker that claimed them is presumed dead.
func (s *NotificationStore) ListStaleSending(ctx context.Context, before time.Time) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE status = ? AND sending_at IS NOT NULL AND sending_at < ?
		 ORDER BY id ASC`,
		string(model.StatusSending), before.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale sending notifications: %w", err)
	}
	defer rows.Close()
	return scanNotifications(rows)
}

// UserIDs returns the users linked to a "specific" notification.
func (s *NotificationStore) UserIDs(ctx context.Context, notificationID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM user_notifications WHERE notification_id = ? ORDER BY user_id ASC`, notificationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list notification users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan notification user: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SendClaim describes which notification states a send may start from. With
// no From states only a stale "sending" row can be claimed.
type SendClaim struct {
	ObservedEpoch int
	From          []model.NotificationStatus
	RequireUnsent bool
	// A "sending" row whose claim is older than StaleBefore may be reclaimed
	// under its current epoch.
	StaleBefore time.Time
	Now         time.Time
}

// ClaimSending moves the notification to "sending". A fresh claim bumps the
// attempt epoch; reclaiming a stale "sending" row keeps it. Returns
// ErrConflict if the row is not claimable or another worker won.
func (s *NotificationStore) ClaimSending(ctx context.Context, id int64, c SendClaim) (int, error) {
	now := c.Now.UTC()
	args := []any{string(model.StatusSending), now, now, string(model.StatusSending), id, c.ObservedEpoch}

	query := `UPDATE notifications
		 SET status = ?, sending_at = ?, updated_at = ?,
		     attempt_epoch = CASE WHEN status = ? THEN attempt_epoch ELSE attempt_epoch + 1 END
		 WHERE id = ? AND attempt_epoch = ?`
	if c.RequireUnsent {
		query += ` AND sent_at IS NULL`
	}
	query += ` AND (`
	if len(c.From) > 0 {
		query += `status IN (` + database.Placeholders(len(c.From)) + `) OR `
		for _, st := range c.From {
			args = append(args, string(st))
		}
	}
	query += `(status = ? AND sending_at < ?)) RETURNING attempt_epoch`
	args = append(args, string(model.StatusSending), c.StaleBefore.UTC())

	var epoch int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&epoch)
	if err == sql.ErrNoRows {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("claim notification send: %w", err)
	}
	return epoch, nil
}

// FinishSending records the terminal status of the epoch's send. sentAt, when
// given, is written only if sent_at is still unset.
func (s *NotificationStore) FinishSending(ctx context.Context, id int64, epoch int, status model.NotificationStatus, sentAt *time.Time, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications
		 SET status = ?, sent_at = COALESCE(sent_at, ?), sending_at = NULL, updated_at = ?
		 WHERE id = ? AND attempt_epoch = ? AND status = ?`,
		string(status), nullTime(sentAt), now.UTC(), id, epoch, string(model.StatusSending),
	)
	if err != nil {
		return fmt.Errorf("finish notification send: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// RenewSending pushes the claim timestamp forward so long sends are not
// mistaken for dead ones.
func (s *NotificationStore) RenewSending(ctx context.Context, id int64, epoch int, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET sending_at = ? WHERE id = ? AND attempt_epoch = ? AND status = ?`,
		now.UTC(), id, epoch, string(model.StatusSending),
	)
	if err != nil {
		return fmt.Errorf("renew notification send: %w", err)
	}
	return nil
}

func scanNotifications(rows *sql.Rows) ([]model.Notification, error) {
	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
