package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 500, cfg.Fanout.MaxBatchSize)
	assert.Equal(t, 10, cfg.Fanout.Concurrency)
	assert.Equal(t, 3, cfg.Fanout.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Fanout.CallTimeout)
	assert.Equal(t, time.Hour, cfg.Pool.CooldownMax)
	assert.Equal(t, 3, cfg.Pool.DeactivateAfter)
	assert.False(t, cfg.WebPushConfigured())
	assert.False(t, cfg.AlertsConfigured())
	assert.False(t, cfg.BackupConfigured())
	assert.Equal(t, time.Minute, cfg.WSTicketTTL)
	assert.Equal(t, 24*time.Hour, cfg.Backup.Interval)
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GLOW_FANOUT_BATCH_SIZE", "50")
	t.Setenv("GLOW_FANOUT_CONCURRENCY", "4")
	t.Setenv("GLOW_POOL_COOLDOWN_MAX", "10m")
	t.Setenv("GLOW_VAPID_PUBLIC_KEY", "pub")
	t.Setenv("GLOW_VAPID_PRIVATE_KEY", "priv")
	t.Setenv("GLOW_WS_ORIGINS", "admin.example.com,localhost:*")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Fanout.MaxBatchSize)
	assert.Equal(t, 4, cfg.Fanout.Concurrency)
	assert.Equal(t, 10*time.Minute, cfg.Pool.CooldownMax)
	assert.True(t, cfg.WebPushConfigured())
	assert.Equal(t, []string{"admin.example.com", "localhost:*"}, cfg.WSOrigins)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GLOW_FANOUT_CONCURRENCY", "0")

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBackupNeedsPassphrase(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GLOW_BACKUP_S3_BUCKET", "snapshots")
	t.Setenv("GLOW_BACKUP_S3_ACCESS_KEY", "ak")
	t.Setenv("GLOW_BACKUP_S3_SECRET_KEY", "sk")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.BackupConfigured())

	cfg.SecretPassphrase = "pass"
	assert.True(t, cfg.BackupConfigured())
}
