package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/glowcore/internal/database"
	"github.com/dukerupert/glowcore/internal/model"
)

type DeviceTokenStore struct {
	db *database.DB
}

func NewDeviceTokenStore(db *database.DB) *DeviceTokenStore {
	return &DeviceTokenStore{db: db}
}

const deviceTokenCols = `id, user_id, token, platform, created_at, last_used, revision`

func scanDeviceToken(s scanner) (*model.DeviceToken, error) {
	var d model.DeviceToken
	var lastUsed sql.NullTime
	if err := s.Scan(&d.ID, &d.UserID, &d.Token, &d.Platform, &d.CreatedAt, &lastUsed, &d.Revision); err != nil {
		return nil, err
	}
	d.LastUsed = timePtr(lastUsed)
	return &d, nil
}

// RegisterResult describes what Register changed.
type RegisterResult struct {
	Token     *model.DeviceToken
	Refreshed bool  // the same token was already registered; last_used bumped
	Replaced  int64 // older rows for (user, platform) removed
}

// Register records token for (userID, platform) and makes it the only row
// for that pair. Re-registering the same token refreshes last_used and bumps
// the revision. A new token value becomes a new row. A token that moved to
// another user or platform loses its old row.
func (s *DeviceTokenStore) Register(ctx context.Context, userID string, platform model.Platform, token string, now time.Time) (*RegisterResult, error) {
	now = now.UTC()
	var result RegisterResult

	err := s.db.WithTx(ctx, func(tx *database.Tx) error {
		existing, err := scanDeviceToken(tx.QueryRowContext(ctx,
			`SELECT `+deviceTokenCols+` FROM device_tokens WHERE token = ?`, token,
		))
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("find device token: %w", err)
		}

		if existing != nil && existing.UserID == userID && existing.Platform == platform {
			if _, err := tx.ExecContext(ctx,
				`UPDATE device_tokens SET last_used = ?, revision = revision + 1 WHERE id = ?`, now, existing.ID,
			); err != nil {
				return fmt.Errorf("refresh device token: %w", err)
			}
			existing.LastUsed = &now
			existing.Revision++
			result.Token = existing
			result.Refreshed = true
		} else {
			if existing != nil {
				if _, err := tx.ExecContext(ctx, `DELETE FROM device_tokens WHERE id = ?`, existing.ID); err != nil {
					return fmt.Errorf("delete moved device token: %w", err)
				}
			}

			var id int64
			if err := tx.QueryRowContext(ctx,
				`INSERT INTO device_tokens (user_id, token, platform, created_at, last_used)
				 VALUES (?, ?, ?, ?, ?) RETURNING id`,
				userID, token, string(platform), now, now,
			).Scan(&id); err != nil {
				return fmt.Errorf("insert device token: %w", err)
			}
			result.Token = &model.DeviceToken{
				ID: id, UserID: userID, Token: token, Platform: platform, CreatedAt: now, LastUsed: &now,
			}
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM device_tokens WHERE user_id = ? AND platform = ? AND id <> ?`,
			userID, string(platform), result.Token.ID,
		)
		if err != nil {
			return fmt.Errorf("replace device tokens: %w", err)
		}
		result.Replaced, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *DeviceTokenStore) GetByID(ctx context.Context, id int64) (*model.DeviceToken, error) {
	d, err := scanDeviceToken(s.db.QueryRowContext(ctx,
		`SELECT `+deviceTokenCols+` FROM device_tokens WHERE id = ?`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device token: %w", err)
	}
	return d, nil
}

func (s *DeviceTokenStore) ListAll(ctx context.Context) ([]model.DeviceToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceTokenCols+` FROM device_tokens ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	defer rows.Close()
	return scanDeviceTokens(rows)
}

func (s *DeviceTokenStore) ListByUser(ctx context.Context, userID string) ([]model.DeviceToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceTokenCols+` FROM device_tokens WHERE user_id = ? ORDER BY id ASC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list device tokens by user: %w", err)
	}
	defer rows.Close()
	return scanDeviceTokens(rows)
}

func (s *DeviceTokenStore) ListByUsers(ctx context.Context, userIDs []string) ([]model.DeviceToken, error) {
	var out []model.DeviceToken
	for _, ids := range chunk(userIDs, inChunk) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+deviceTokenCols+` FROM device_tokens WHERE user_id IN (`+database.Placeholders(len(ids))+`) ORDER BY id ASC`,
			toArgs(ids)...,
		)
		if err != nil {
			return nil, fmt.Errorf("list device tokens by users: %w", err)
		}
		tokens, err := scanDeviceTokens(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, tokens...)
	}
	return out, nil
}

func (s *DeviceTokenStore) ListByIDs(ctx context.Context, tokenIDs []int64) ([]model.DeviceToken, error) {
	var out []model.DeviceToken
	for _, ids := range chunk(tokenIDs, inChunk) {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+deviceTokenCols+` FROM device_tokens WHERE id IN (`+database.Placeholders(len(ids))+`) ORDER BY id ASC`,
			toArgs(ids)...,
		)
		if err != nil {
			return nil, fmt.Errorf("list device tokens by ids: %w", err)
		}
		tokens, err := scanDeviceTokens(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, tokens...)
	}
	return out, nil
}

func (s *DeviceTokenStore) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_tokens WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete device token: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteUnchanged deletes each row only if it still carries the revision it
// was read with. A row refreshed after the caller read it survives, whatever
// clock stamped the refresh.
func (s *DeviceTokenStore) DeleteUnchanged(ctx context.Context, rows []model.DeviceToken) (int64, error) {
	var total int64
	for _, batch := range chunk(rows, inChunk/2) {
		conds := make([]string, len(batch))
		args := make([]any, 0, 2*len(batch))
		for i, r := range batch {
			conds[i] = `(id = ? AND revision = ?)`
			args = append(args, r.ID, r.Revision)
		}
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM device_tokens WHERE `+strings.Join(conds, ` OR `),
			args...,
		)
		if err != nil {
			return total, fmt.Errorf("prune device tokens: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func scanDeviceTokens(rows *sql.Rows) ([]model.DeviceToken, error) {
	var tokens []model.DeviceToken
	for rows.Next() {
		d, err := scanDeviceToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		tokens = append(tokens, *d)
	}
	return tokens, rows.Err()
}
