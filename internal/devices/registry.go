// Package devices owns the device token lifecycle: registration, pruning of
// duplicate rows, audience queries and invalidation.
package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/glowcore/internal/model"
	"github.com/dukerupert/glowcore/internal/store"
)

var ErrInvalidToken = errors.New("invalid device token")

// Spec selects the tokens a notification targets. An empty UserIDs with
// Audience "specific" selects nobody.
type Spec struct {
	Audience model.Audience
	UserIDs  []string
}

// All targets every registered token.
func All() Spec { return Spec{Audience: model.AudienceAll} }

// Users targets the tokens of exactly the given users.
func Users(ids ...string) Spec { return Spec{Audience: model.AudienceSpecific, UserIDs: ids} }

// PruneResult reports what a prune pass removed.
type PruneResult struct {
	SnapshotAt time.Time `json:"snapshot_at"`
	Scanned    int       `json:"scanned"`
	Groups     int       `json:"duplicate_groups"`
	Candidates int       `json:"candidates"`
	Deleted    int64     `json:"deleted"`
}

type Registry struct {
	tokens *store.DeviceTokenStore
	logger *slog.Logger
	now    func() time.Time

	// afterSnapshot runs between reading the rows and deleting. Tests use it
	// to interleave a concurrent Register.
	afterSnapshot func()
}

func NewRegistry(tokens *store.DeviceTokenStore, logger *slog.Logger) *Registry {
	return &Registry{
		tokens: tokens,
		logger: logger,
		now:    time.Now,
	}
}

// Register records a token for (userID, platform). The same token refreshes
// last_used; a different token replaces the previous row.
func (r *Registry) Register(ctx context.Context, userID string, platform model.Platform, token string) (*store.RegisterResult, error) {
	userID = strings.TrimSpace(userID)
	token = strings.TrimSpace(token)
	if userID == "" || token == "" {
		return nil, fmt.Errorf("%w: user_id and token are required", ErrInvalidToken)
	}
	if _, err := model.ParsePlatform(string(platform)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	res, err := r.tokens.Register(ctx, userID, platform, token, r.now())
	if err != nil {
		return nil, fmt.Errorf("register device token: %w", err)
	}
	r.logger.Info("device token registered",
		"user_id", userID, "platform", platform, "token_id", res.Token.ID,
		"refreshed", res.Refreshed, "replaced", res.Replaced)
	return res, nil
}

func (r *Registry) Get(ctx context.Context, id int64) (*model.DeviceToken, error) {
	return r.tokens.GetByID(ctx, id)
}

func (r *Registry) ListByUser(ctx context.Context, userID string) ([]model.DeviceToken, error) {
	return r.tokens.ListByUser(ctx, userID)
}

// ListByIDs returns the rows that still exist among ids.
func (r *Registry) ListByIDs(ctx context.Context, ids []int64) ([]model.DeviceToken, error) {
	return r.tokens.ListByIDs(ctx, ids)
}

// ListForAudience returns the tokens selected by spec, deduplicated by id.
func (r *Registry) ListForAudience(ctx context.Context, spec Spec) ([]model.DeviceToken, error) {
	var (
		tokens []model.DeviceToken
		err    error
	)
	switch spec.Audience {
	case model.AudienceAll:
		tokens, err = r.tokens.ListAll(ctx)
	case model.AudienceSpecific:
		if len(spec.UserIDs) == 0 {
			return nil, nil
		}
		tokens, err = r.tokens.ListByUsers(ctx, spec.UserIDs)
	default:
		return nil, fmt.Errorf("unknown audience %q", spec.Audience)
	}
	if err != nil {
		return nil, fmt.Errorf("list tokens for audience: %w", err)
	}
	return dedupe(tokens), nil
}

// Invalidate deletes a token the provider reported as permanently invalid.
// Deleting a row that is already gone is not an error.
func (r *Registry) Invalidate(ctx context.Context, id int64) error {
	deleted, err := r.tokens.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("invalidate device token: %w", err)
	}
	if deleted {
		r.logger.Info("device token invalidated", "token_id", id)
	}
	return nil
}

// Delete removes a token on request. It reports whether a row existed.
func (r *Registry) Delete(ctx context.Context, id int64) (bool, error) {
	return r.tokens.Delete(ctx, id)
}

// Prune keeps the freshest row per (user_id, platform) and deletes the rest.
// Each loser is deleted only at the revision it was read with, so a row that a
// concurrent Register refreshed or wrote after the read is never removed.
// Safe to repeat.
func (r *Registry) Prune(ctx context.Context) (*PruneResult, error) {
	snapshotAt := r.now().UTC()

	rows, err := r.tokens.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("prune snapshot: %w", err)
	}

	if r.afterSnapshot != nil {
		r.afterSnapshot()
	}

	losers, groups := pruneCandidates(rows, snapshotAt)
	result := &PruneResult{
		SnapshotAt: snapshotAt,
		Scanned:    len(rows),
		Groups:     groups,
		Candidates: len(losers),
	}
	if len(losers) == 0 {
		return result, nil
	}

	deleted, err := r.tokens.DeleteUnchanged(ctx, losers)
	if err != nil {
		return nil, fmt.Errorf("prune delete: %w", err)
	}
	result.Deleted = deleted
	r.logger.Info("device tokens pruned",
		"scanned", result.Scanned, "groups", groups, "candidates", len(losers), "deleted", deleted)
	return result, nil
}

type groupKey struct {
	userID   string
	platform model.Platform
}

// pruneCandidates returns the rows that lose to a fresher row in their
// (user, platform) group, and the number of groups with duplicates. Rows
// stamped after snapshotAt are never candidates.
func pruneCandidates(rows []model.DeviceToken, snapshotAt time.Time) ([]model.DeviceToken, int) {
	groups := make(map[groupKey][]model.DeviceToken)
	var order []groupKey
	for _, row := range rows {
		k := groupKey{row.UserID, row.Platform}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], row)
	}

	var losers []model.DeviceToken
	dupGroups := 0
	for _, k := range order {
		members := groups[k]
		if len(members) < 2 {
			continue
		}
		dupGroups++

		winner := members[0]
		for _, m := range members[1:] {
			if fresher(m, winner) {
				winner = m
			}
		}
		for _, m := range members {
			if m.ID == winner.ID || m.Freshness().After(snapshotAt) {
				continue
			}
			losers = append(losers, m)
		}
	}
	return losers, dupGroups
}

func fresher(a, b model.DeviceToken) bool {
	fa, fb := a.Freshness(), b.Freshness()
	if !fa.Equal(fb) {
		return fa.After(fb)
	}
	return a.ID > b.ID
}

func dedupe(tokens []model.DeviceToken) []model.DeviceToken {
	seen := make(map[int64]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	return out
}
