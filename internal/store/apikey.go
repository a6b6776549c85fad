package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/glowcore/internal/database"
	"github.com/dukerupert/glowcore/internal/model"
)

type APIKeyStore struct {
	db *database.DB
}

func NewAPIKeyStore(db *database.DB) *APIKeyStore {
	return &APIKeyStore{db: db}
}

const apiKeyCols = `id, name, secret, active, usage_count, last_used_at, cooldown_until, notes,
	failure_streak, permanent_failures, lease_id, leased_until, deactivated_reason, created_at, updated_at`

func scanAPIKey(s scanner) (*model.APIKey, error) {
	var k model.APIKey
	var lastUsed, cooldown, leasedUntil sql.NullTime
	var leaseID sql.NullString
	err := s.Scan(
		&k.ID, &k.Name, &k.Secret, &k.Active, &k.UsageCount, &lastUsed, &cooldown, &k.Notes,
		&k.FailureStreak, &k.PermanentFailures, &leaseID, &leasedUntil, &k.DeactivatedReason,
		&k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	k.LastUsedAt = timePtr(lastUsed)
	k.CooldownUntil = timePtr(cooldown)
	k.LeasedUntil = timePtr(leasedUntil)
	k.LeaseID = leaseID.String
	return &k, nil
}

func (s *APIKeyStore) Create(ctx context.Context, name, secret, notes string, now time.Time) (*model.APIKey, error) {
	now = now.UTC()
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO api_keys (name, secret, active, notes, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		name, secret, true, notes, now, now,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert api key: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *APIKeyStore) GetByID(ctx context.Context, id int64) (*model.APIKey, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyCols+` FROM api_keys WHERE id = ?`, id)
	k, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return k, nil
}

func (s *APIKeyStore) List(ctx context.Context) ([]model.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyCols+` FROM api_keys ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

// ListCandidates returns keys that can be claimed at now, best first:
// lowest usage_count, then never-used, then earliest last_used_at, then id.
func (s *APIKeyStore) ListCandidates(ctx context.Context, now time.Time, limit int) ([]model.APIKey, error) {
	now = now.UTC()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyCols+` FROM api_keys
		 WHERE active = ?
		   AND (cooldown_until IS NULL OR cooldown_until <= ?)
		   AND (leased_until IS NULL OR leased_until <= ?)
		 ORDER BY usage_count ASC,
		          CASE WHEN last_used_at IS NULL THEN 0 ELSE 1 END ASC,
		          last_used_at ASC,
		          id ASC
		 LIMIT ?`,
		true, now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list api key candidates: %w", err)
	}
	defer rows.Close()
	return scanAPIKeys(rows)
}

// Claim increments usage_count and takes the lease only if the row still
// carries observedUsage and is still claimable. It returns ErrConflict when
// another caller got there first.
func (s *APIKeyStore) Claim(ctx context.Context, id, observedUsage int64, leaseID string, leasedUntil, now time.Time) error {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys
		 SET usage_count = usage_count + 1, lease_id = ?, leased_until = ?, updated_at = ?
		 WHERE id = ? AND usage_count = ? AND active = ?
		   AND (cooldown_until IS NULL OR cooldown_until <= ?)
		   AND (leased_until IS NULL OR leased_until <= ?)`,
		leaseID, leasedUntil.UTC(), now, id, observedUsage, true, now, now,
	)
	if err != nil {
		return fmt.Errorf("claim api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim api key rows: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// KeyRelease carries the bookkeeping written when a holder gives a key back.
type KeyRelease struct {
	LastUsedAt        time.Time
	CooldownUntil     *time.Time
	FailureStreak     int
	PermanentFailures int
	Deactivate        bool
	Reason            string
}

// Release writes usage bookkeeping for id and drops the lease, but only while
// the lease is still held under leaseID. When the lease expired and moved on,
// nothing is written and ErrLeaseLost is returned.
func (s *APIKeyStore) Release(ctx context.Context, id int64, leaseID string, r KeyRelease) error {
	query := `UPDATE api_keys
		 SET last_used_at = ?, cooldown_until = ?, failure_streak = ?, permanent_failures = ?,
		     lease_id = NULL, leased_until = NULL, updated_at = ?`
	args := []any{
		r.LastUsedAt.UTC(), nullTime(r.CooldownUntil), r.FailureStreak, r.PermanentFailures,
		r.LastUsedAt.UTC(),
	}
	if r.Deactivate {
		query += `, active = ?, deactivated_reason = ?`
		args = append(args, false, r.Reason)
	}
	query += ` WHERE id = ? AND lease_id = ?`
	args = append(args, id, leaseID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("release api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	k, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if k == nil {
		return fmt.Errorf("release api key %d: not found", id)
	}
	return ErrLeaseLost
}

// SetActive flips a key on or off. Re-activation clears streaks, cooldown and
// any stale lease.
func (s *APIKeyStore) SetActive(ctx context.Context, id int64, active bool, reason string, now time.Time) (bool, error) {
	var query string
	var args []any
	if active {
		query = `UPDATE api_keys SET active = ?, deactivated_reason = '', failure_streak = 0,
			permanent_failures = 0, cooldown_until = NULL, lease_id = NULL, leased_until = NULL, updated_at = ?
			WHERE id = ?`
		args = []any{true, now.UTC(), id}
	} else {
		query = `UPDATE api_keys SET active = ?, deactivated_reason = ?, updated_at = ? WHERE id = ?`
		args = []any{false, reason, now.UTC(), id}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("set api key active: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ResetUsage is the operator reset; the only path that lowers usage_count.
func (s *APIKeyStore) ResetUsage(ctx context.Context, id int64, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET usage_count = 0, updated_at = ? WHERE id = ?`, now.UTC(), id,
	)
	if err != nil {
		return false, fmt.Errorf("reset api key usage: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanAPIKeys(rows *sql.Rows) ([]model.APIKey, error) {
	var keys []model.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}
