package middleware

import (
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/glowcore/internal/logging"
)

func TestRedisLimiter(t *testing.T) {
	url := os.Getenv("GLOW_TEST_REDIS_URL")
	if url == "" {
		t.Skip("GLOW_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	rl := NewRedisLimiter(client, logging.Discard())
	require.NoError(t, rl.Ping(ctx))

	key := "test-" + uuid.NewString()
	for i := range 3 {
		ok, _ := rl.Allow(ctx, key, 3, time.Minute)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, wait := rl.Allow(ctx, key, 3, time.Minute)
	assert.False(t, ok)
	assert.Greater(t, wait, 50*time.Second)
	assert.LessOrEqual(t, wait, time.Minute)
}

func TestRedisLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	rl := NewRedisLimiter(client, logging.Discard())
	ok, wait := rl.Allow(ctx, "k", 1, time.Minute)
	assert.True(t, ok)
	assert.Zero(t, wait)
	assert.Error(t, rl.Ping(ctx))
}
