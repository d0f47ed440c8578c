package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisid/aegis/internal/core"
)

func TestMemoryLimiter_WindowFillsAndSlides(t *testing.T) {
	clock := core.NewManualClock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	l := NewMemoryLimiter(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Allow(ctx, "login", "alice@acme.test", 5, 15*time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d should be allowed", i+1)
		clock.Advance(time.Second)
	}

	d, err := l.Allow(ctx, "login", "alice@acme.test", 5, 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// The oldest attempt ages out and frees one slot.
	clock.Advance(15 * time.Minute)
	d, err = l.Allow(ctx, "login", "alice@acme.test", 5, 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	clock := core.NewManualClock(time.Now())
	l := NewMemoryLimiter(clock)
	ctx := context.Background()

	d, err := l.Allow(ctx, "login", "alice@acme.test", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Allow(ctx, "login", "alice@acme.test", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Allow(ctx, "login", "bob@acme.test", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a different key has its own window")

	d, err = l.Allow(ctx, "mfa_verify", "alice@acme.test", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a different scope has its own window")
}

func TestRedisLimiter_WindowFillsAndSlides(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := core.NewManualClock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))
	l := NewRedisLimiter(client, clock, "")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "login_ip", "203.0.113.7", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "attempt %d should be allowed", i+1)
		clock.Advance(time.Second)
	}

	d, err := l.Allow(ctx, "login_ip", "203.0.113.7", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	clock.Advance(time.Minute)
	d, err = l.Allow(ctx, "login_ip", "203.0.113.7", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCooldown(t *testing.T) {
	c := NewCooldown(time.Hour)
	assert.True(t, c.Allow("method-1"))
	assert.False(t, c.Allow("method-1"), "second call inside the interval is refused")
	assert.True(t, c.Allow("method-2"), "keys cool down independently")
}
