package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewAPIKeyStore(setupTestDB(t))

	k, err := s.Create(ctx, "primary", "sk-1", "from console", t0)
	require.NoError(t, err)
	assert.NotZero(t, k.ID)
	assert.True(t, k.Active)
	assert.Equal(t, int64(0), k.UsageCount)
	assert.Nil(t, k.LastUsedAt)
	assert.Equal(t, "sk-1", k.Secret)
	assert.True(t, t0.Equal(k.CreatedAt))

	missing, err := s.GetByID(ctx, 999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAPIKeyListCandidatesOrder(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewAPIKeyStore(db)

	a, _ := s.Create(ctx, "a", "s", "", t0)
	b, _ := s.Create(ctx, "b", "s", "", t0)
	c, _ := s.Create(ctx, "c", "s", "", t0)

	_, err := db.ExecContext(ctx, `UPDATE api_keys SET usage_count = 5 WHERE id = ?`, a.ID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE api_keys SET usage_count = 2, last_used_at = ? WHERE id = ?`, t0.Add(-time.Minute), b.ID)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE api_keys SET usage_count = 2, last_used_at = ? WHERE id = ?`, t0.Add(-time.Hour), c.ID)
	require.NoError(t, err)

	keys, err := s.ListCandidates(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, []int64{c.ID, b.ID, a.ID}, []int64{keys[0].ID, keys[1].ID, keys[2].ID})
}

func TestAPIKeyListCandidatesNeverUsedFirst(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewAPIKeyStore(db)

	used, _ := s.Create(ctx, "used", "s", "", t0)
	fresh, _ := s.Create(ctx, "fresh", "s", "", t0)
	_, err := db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, t0.Add(-24*time.Hour), used.ID)
	require.NoError(t, err)

	keys, err := s.ListCandidates(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, fresh.ID, keys[0].ID)
}

func TestAPIKeyListCandidatesExcludesUnusable(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewAPIKeyStore(db)

	inactive, _ := s.Create(ctx, "inactive", "s", "", t0)
	cooling, _ := s.Create(ctx, "cooling", "s", "", t0)
	leased, _ := s.Create(ctx, "leased", "s", "", t0)
	cooled, _ := s.Create(ctx, "cooled", "s", "", t0)

	_, err := s.SetActive(ctx, inactive.ID, false, "manual", t0)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE api_keys SET cooldown_until = ? WHERE id = ?`, t0.Add(time.Minute), cooling.ID)
	require.NoError(t, err)
	require.NoError(t, s.Claim(ctx, leased.ID, 0, "lease-1", t0.Add(time.Minute), t0))
	_, err = db.ExecContext(ctx, `UPDATE api_keys SET cooldown_until = ? WHERE id = ?`, t0, cooled.ID)
	require.NoError(t, err)

	keys, err := s.ListCandidates(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, cooled.ID, keys[0].ID)
}

func TestAPIKeyClaimConflict(t *testing.T) {
	ctx := context.Background()
	s := NewAPIKeyStore(setupTestDB(t))
	k, _ := s.Create(ctx, "k", "s", "", t0)

	require.NoError(t, s.Claim(ctx, k.ID, 0, "lease-1", t0.Add(time.Minute), t0))

	// Stale observation.
	err := s.Claim(ctx, k.ID, 0, "lease-2", t0.Add(time.Minute), t0)
	assert.ErrorIs(t, err, ErrConflict)

	// Fresh observation but the lease is still held.
	err = s.Claim(ctx, k.ID, 1, "lease-2", t0.Add(time.Minute), t0)
	assert.ErrorIs(t, err, ErrConflict)

	// Lease expired.
	require.NoError(t, s.Claim(ctx, k.ID, 1, "lease-2", t0.Add(3*time.Minute), t0.Add(2*time.Minute)))

	got, err := s.GetByID(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UsageCount)
	assert.Equal(t, "lease-2", got.LeaseID)
}

func TestAPIKeyRelease(t *testing.T) {
	ctx := context.Background()
	s := NewAPIKeyStore(setupTestDB(t))
	k, _ := s.Create(ctx, "k", "s", "", t0)
	require.NoError(t, s.Claim(ctx, k.ID, 0, "lease-1", t0.Add(time.Minute), t0))

	cooldown := t0.Add(30 * time.Second)
	require.NoError(t, s.Release(ctx, k.ID, "lease-1", KeyRelease{
		LastUsedAt:    t0.Add(time.Second),
		CooldownUntil: &cooldown,
		FailureStreak: 1,
	}))

	got, err := s.GetByID(ctx, k.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LeaseID)
	assert.Nil(t, got.LeasedUntil)
	require.NotNil(t, got.CooldownUntil)
	assert.True(t, cooldown.Equal(*got.CooldownUntil))
	assert.Equal(t, 1, got.FailureStreak)
	assert.Equal(t, int64(1), got.UsageCount)
	assert.True(t, got.Active)
}

func TestAPIKeyReleaseKeepsForeignLease(t *testing.T) {
	ctx := context.Background()
	s := NewAPIKeyStore(setupTestDB(t))
	k, _ := s.Create(ctx, "k", "s", "", t0)
	require.NoError(t, s.Claim(ctx, k.ID, 0, "lease-1", t0.Add(time.Minute), t0))
	require.NoError(t, s.Claim(ctx, k.ID, 1, "lease-2", t0.Add(5*time.Minute), t0.Add(2*time.Minute)))

	until := t0.Add(time.Hour)
	err := s.Release(ctx, k.ID, "lease-1", KeyRelease{
		LastUsedAt:        t0.Add(3 * time.Minute),
		CooldownUntil:     &until,
		FailureStreak:     4,
		PermanentFailures: 3,
		Deactivate:        true,
		Reason:            "stale holder",
	})
	assert.ErrorIs(t, err, ErrLeaseLost)

	got, err := s.GetByID(ctx, k.ID)
	require.NoError(t, err)
	assert.Equal(t, "lease-2", got.LeaseID)
	assert.NotNil(t, got.LeasedUntil)
	assert.True(t, got.Active)
	assert.Nil(t, got.CooldownUntil)
	assert.Zero(t, got.FailureStreak)
	assert.Zero(t, got.PermanentFailures)
	assert.Nil(t, got.LastUsedAt)
}

func TestAPIKeyReleaseDeactivates(t *testing.T) {
	ctx := context.Background()
	s := NewAPIKeyStore(setupTestDB(t))
	k, _ := s.Create(ctx, "k", "s", "", t0)
	require.NoError(t, s.Claim(ctx, k.ID, 0, "lease-1", t0.Add(time.Minute), t0))

	require.NoError(t, s.Release(ctx, k.ID, "lease-1", KeyRelease{
		LastUsedAt:        t0,
		PermanentFailures: 3,
		Deactivate:        true,
		Reason:            "invalid key",
	}))

	got, err := s.GetByID(ctx, k.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "invalid key", got.DeactivatedReason)
	assert.Equal(t, 3, got.PermanentFailures)

	assert.Error(t, s.Release(ctx, 999, "x", KeyRelease{LastUsedAt: t0}))
}

func TestAPIKeySetActiveClearsState(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewAPIKeyStore(db)
	k, _ := s.Create(ctx, "k", "s", "", t0)

	_, err := db.ExecContext(ctx,
		`UPDATE api_keys SET active = ?, failure_streak = 4, permanent_failures = 3, cooldown_until = ? WHERE id = ?`,
		false, t0.Add(time.Hour), k.ID)
	require.NoError(t, err)

	ok, err := s.SetActive(ctx, k.ID, true, "", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := s.GetByID(ctx, k.ID)
	assert.True(t, got.Active)
	assert.Zero(t, got.FailureStreak)
	assert.Zero(t, got.PermanentFailures)
	assert.Nil(t, got.CooldownUntil)

	ok, err = s.SetActive(ctx, 999, true, "", t0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAPIKeyResetUsage(t *testing.T) {
	ctx := context.Background()
	s := NewAPIKeyStore(setupTestDB(t))
	k, _ := s.Create(ctx, "k", "s", "", t0)
	require.NoError(t, s.Claim(ctx, k.ID, 0, "l", t0, t0))

	ok, err := s.ResetUsage(ctx, k.ID, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := s.GetByID(ctx, k.ID)
	assert.Equal(t, int64(0), got.UsageCount)
}
