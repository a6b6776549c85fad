package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dukerupert/glowcore/internal/database"
	"github.com/dukerupert/glowcore/internal/model"
)

type DeliveryStore struct {
	db *database.DB
}

func NewDeliveryStore(db *database.DB) *DeliveryStore {
	return &DeliveryStore{db: db}
}

const deliveryCols = `attempt_id, notification_id, device_token_id, epoch, platform, status, error, tries, attempted_at`

func scanDelivery(s scanner) (*model.DeliveryAttempt, error) {
	var a model.DeliveryAttempt
	err := s.Scan(&a.AttemptID, &a.NotificationID, &a.DeviceTokenID, &a.Epoch, &a.Platform,
		&a.Status, &a.Error, &a.Tries, &a.AttemptedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Insert appends an attempt. A row with the same attempt_id is left untouched
// and Insert reports false.
func (s *DeliveryStore) Insert(ctx context.Context, a model.DeliveryAttempt) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_attempts (`+deliveryCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (attempt_id) DO NOTHING`,
		a.AttemptID, a.NotificationID, a.DeviceTokenID, a.Epoch, string(a.Platform),
		string(a.Status), a.Error, a.Tries, a.AttemptedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert delivery attempt: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *DeliveryStore) ListByNotification(ctx context.Context, notificationID int64) ([]model.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM delivery_attempts
		 WHERE notification_id = ? ORDER BY epoch ASC, attempted_at ASC, device_token_id ASC`,
		notificationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

// CountByStatus tallies one epoch's rows.
func (s *DeliveryStore) CountByStatus(ctx context.Context, notificationID int64, epoch int) (model.DeliveryTally, error) {
	var t model.DeliveryTally
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM delivery_attempts
		 WHERE notification_id = ? AND epoch = ? GROUP BY status`,
		notificationID, epoch,
	)
	if err != nil {
		return t, fmt.Errorf("count delivery attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status model.DeliveryStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return t, fmt.Errorf("scan delivery count: %w", err)
		}
		switch status {
		case model.DeliverySent:
			t.Sent = n
		case model.DeliveryInvalidToken:
			t.Invalid = n
		case model.DeliveryTransientError:
			t.Transient = n
		case model.DeliveryRejected:
			t.Rejected = n
		}
	}
	return t, rows.Err()
}

// TokenIDsByStatus returns the token ids recorded in one epoch, optionally
// filtered to a single status.
func (s *DeliveryStore) TokenIDsByStatus(ctx context.Context, notificationID int64, epoch int, status model.DeliveryStatus) ([]int64, error) {
	query := `SELECT device_token_id FROM delivery_attempts WHERE notification_id = ? AND epoch = ?`
	args := []any{notificationID, epoch}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY device_token_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list delivery token ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivery token id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanDeliveries(rows *sql.Rows) ([]model.DeliveryAttempt, error) {
	var out []model.DeliveryAttempt
	for rows.Next() {
		a, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
