package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var ctx = context.Background()

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestLimiter() (*RateLimiter, *fakeClock) {
	c := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	rl := NewRateLimiter()
	rl.now = c.Now
	return rl, c
}

func TestRateLimiterAllow(t *testing.T) {
	rl, _ := newTestLimiter()

	for i := range 5 {
		ok, _ := rl.Allow(ctx, "key", 5, time.Minute)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, wait := rl.Allow(ctx, "key", 5, time.Minute)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	ok, _ = rl.Allow(ctx, "other", 5, time.Minute)
	assert.True(t, ok)
}

func TestRateLimiterWindowReset(t *testing.T) {
	rl, clock := newTestLimiter()

	for range 3 {
		rl.Allow(ctx, "key", 3, 10*time.Second)
	}
	ok, _ := rl.Allow(ctx, "key", 3, 10*time.Second)
	assert.False(t, ok)

	clock.now = clock.now.Add(10 * time.Second)
	ok, _ = rl.Allow(ctx, "key", 3, 10*time.Second)
	assert.True(t, ok)
}

func TestRateLimiterCleanup(t *testing.T) {
	rl, clock := newTestLimiter()

	rl.Allow(ctx, "expired", 5, time.Second)
	clock.now = clock.now.Add(2 * time.Second)
	rl.Allow(ctx, "active", 5, time.Minute)

	rl.Cleanup()

	assert.NotContains(t, rl.windows, "expired")
	assert.Contains(t, rl.windows, "active")
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter()
	handler := RateLimit(rl, RealIP, 2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/devices", nil)
		req.Header.Set("X-Forwarded-For", ip+", 10.0.0.1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusCreated, send("203.0.113.5").Code)
	assert.Equal(t, http.StatusCreated, send("203.0.113.5").Code)

	rec := send("203.0.113.5")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusCreated, send("198.51.100.7").Code)
}

func TestRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", RealIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", RealIP(req))

	req.Header.Set("CF-Connecting-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", RealIP(req))
}
