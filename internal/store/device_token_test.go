package store

import (
	"context"
	"testing"
	"time"

	"github.com/dukerupert/glowcore/internal/database"
	"github.com/dukerupert/glowcore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterNewToken(t *testing.T) {
	ctx := context.Background()
	s := NewDeviceTokenStore(setupTestDB(t))

	res, err := s.Register(ctx, "u1", model.PlatformIOS, "tok-a", t0)
	require.NoError(t, err)
	assert.False(t, res.Refreshed)
	assert.Zero(t, res.Replaced)
	assert.NotZero(t, res.Token.ID)
	assert.Equal(t, "u1", res.Token.UserID)
}

func TestRegisterSameTokenRefreshes(t *testing.T) {
	ctx := context.Background()
	s := NewDeviceTokenStore(setupTestDB(t))

	first, err := s.Register(ctx, "u1", model.PlatformIOS, "tok-a", t0)
	require.NoError(t, err)

	later := t0.Add(time.Hour)
	second, err := s.Register(ctx, "u1", model.PlatformIOS, "tok-a", later)
	require.NoError(t, err)
	assert.True(t, second.Refreshed)
	assert.Equal(t, first.Token.ID, second.Token.ID)

	got, err := s.GetByID(ctx, first.Token.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsed)
	assert.True(t, later.Equal(*got.LastUsed))
}

func TestRegisterNewTokenReplacesOld(t *testing.T) {
	ctx := context.Background()
	s := NewDeviceTokenStore(setupTestDB(t))

	old, err := s.Register(ctx, "u1", model.PlatformAndroid, "tok-old", t0)
	require.NoError(t, err)
	web, err := s.Register(ctx, "u1", model.PlatformWeb, "tok-web", t0)
	require.NoError(t, err)

	res, err := s.Register(ctx, "u1", model.PlatformAndroid, "tok-new", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Replaced)

	gone, err := s.GetByID(ctx, old.Token.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := s.GetByID(ctx, web.Token.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestRegisterTokenMovesToOtherUser(t *testing.T) {
	ctx := context.Background()
	s := NewDeviceTokenStore(setupTestDB(t))

	_, err := s.Register(ctx, "u1", model.PlatformIOS, "shared", t0)
	require.NoError(t, err)
	res, err := s.Register(ctx, "u2", model.PlatformIOS, "shared", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, res.Refreshed)

	u1, err := s.ListByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, u1)

	u2, err := s.ListByUser(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, u2, 1)
	assert.Equal(t, "shared", u2[0].Token)
}

func TestRegisterSameTokenReplacesSiblings(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewDeviceTokenStore(db)

	a := seedToken(t, db, "u1", model.PlatformIOS, "a", t0, nil)
	b := seedToken(t, db, "u1", model.PlatformIOS, "b", t0.Add(time.Minute), nil)

	res, err := s.Register(ctx, "u1", model.PlatformIOS, "a", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res.Refreshed)
	assert.Equal(t, a.ID, res.Token.ID)
	assert.Equal(t, int64(1), res.Replaced)

	rows, err := s.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].Token)

	gone, err := s.GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestListByUsersAndIDs(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewDeviceTokenStore(db)

	a := seedToken(t, db, "u1", model.PlatformIOS, "a", t0, nil)
	b := seedToken(t, db, "u2", model.PlatformWeb, "b", t0, nil)
	seedToken(t, db, "u3", model.PlatformWeb, "c", t0, nil)

	byUsers, err := s.ListByUsers(ctx, []string{"u1", "u2", "nobody"})
	require.NoError(t, err)
	assert.Len(t, byUsers, 2)

	byIDs, err := s.ListByIDs(ctx, []int64{a.ID, b.ID, 999})
	require.NoError(t, err)
	assert.Len(t, byIDs, 2)

	none, err := s.ListByUsers(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteUnchanged(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewDeviceTokenStore(db)

	stale := seedToken(t, db, "u1", model.PlatformIOS, "stale", t0, nil)
	refreshed := seedToken(t, db, "u2", model.PlatformIOS, "refreshed", t0, nil)

	// Refreshed after the caller read it, with an older clock.
	res, err := s.Register(ctx, "u2", model.PlatformIOS, "refreshed", t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, res.Refreshed)

	n, err := s.DeleteUnchanged(ctx, []model.DeviceToken{*stale, *refreshed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := s.GetByID(ctx, refreshed.ID)
	require.NotNil(t, got)
	assert.Equal(t, refreshed.Revision+1, got.Revision)
	got, _ = s.GetByID(ctx, stale.ID)
	assert.Nil(t, got)

	n, err = s.DeleteUnchanged(ctx, []model.DeviceToken{*stale})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteDeviceToken(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewDeviceTokenStore(db)
	d := seedToken(t, db, "u1", model.PlatformIOS, "a", t0, nil)

	ok, err := s.Delete(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// seedToken writes a row directly, bypassing Register's one-row-per-pair rule.
func seedToken(t *testing.T, db *database.DB, userID string, platform model.Platform, token string, createdAt time.Time, lastUsed *time.Time) *model.DeviceToken {
	t.Helper()
	ctx := context.Background()
	var id int64
	err := db.QueryRowContext(ctx,
		`INSERT INTO device_tokens (user_id, token, platform, created_at, last_used)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		userID, token, string(platform), createdAt.UTC(), lastUsed,
	).Scan(&id)
	require.NoError(t, err)
	d, err := NewDeviceTokenStore(db).GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, d)
	return d
}
