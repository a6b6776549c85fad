package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindow increments the key, starts its expiry on the first hit and
// returns the count with the remaining TTL in milliseconds.
var fixedWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {n, redis.call('PTTL', KEYS[1])}
`)

// RedisLimiter is a Limiter whose windows live in Redis, shared by every
// replica. When Redis is unreachable it lets requests through.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func NewRedisLimiter(client redis.UniversalClient, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "glowcore:ratelimit:", logger: logger}
}

func (rl *RedisLimiter) Allow(ctx context.Context, key string, limit int, per time.Duration) (bool, time.Duration) {
	res, err := fixedWindow.Run(ctx, rl.client, []string{rl.prefix + key}, per.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		rl.logger.Warn("rate limit check failed, allowing", "key", key, "error", err)
		return true, 0
	}
	if res[0] <= int64(limit) {
		return true, 0
	}
	wait := time.Duration(res[1]) * time.Millisecond
	if wait <= 0 {
		wait = per
	}
	return false, wait
}

// Ping reports whether Redis answers.
func (rl *RedisLimiter) Ping(ctx context.Context) error {
	return rl.client.Ping(ctx).Err()
}
