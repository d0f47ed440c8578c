package lockout

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/storage"
)

const testRealm = "acme"

func newEngine(t *testing.T, policy config.LockoutPolicy) (*Engine, *core.ManualClock, *event.Bus) {
	t.Helper()
	clock := core.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	bus := event.NewBus(testRealm, 64, logger)
	t.Cleanup(bus.Close)
	return NewEngine(testRealm, policy, storage.NewMemory(), bus, clock, logger), clock, bus
}

func TestThrottleIdentifierAtThreshold(t *testing.T) {
	e, clock, _ := newEngine(t, config.LockoutStrict())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, e.RecordFailedAttempt(ctx, "alice@acme.test", uuid.Nil, "203.0.113.9", "bad_password"))
		clock.Advance(time.Second)
	}

	d, err := e.ShouldThrottleIdentifier(ctx, "alice@acme.test")
	require.NoError(t, err)
	assert.False(t, d.Throttled)
	assert.Equal(t, 2, d.AttemptCount)

	require.NoError(t, e.RecordFailedAttempt(ctx, "alice@acme.test", uuid.Nil, "203.0.113.9", "bad_password"))
	d, err = e.ShouldThrottleIdentifier(ctx, "alice@acme.test")
	require.NoError(t, err)
	assert.True(t, d.Throttled, "strict policy throttles at 3 attempts")
	assert.Equal(t, 3, d.AttemptCount)

	// Other identifiers are unaffected.
	d, err = e.ShouldThrottleIdentifier(ctx, "bob@acme.test")
	require.NoError(t, err)
	assert.False(t, d.Throttled)
}

func TestThrottleWindowSlides(t *testing.T) {
	e, clock, _ := newEngine(t, config.LockoutStrict())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.RecordFailedAttempt(ctx, "alice@acme.test", uuid.Nil, "", "bad_password"))
	}
	clock.Advance(16 * time.Minute)

	d, err := e.ShouldThrottleIdentifier(ctx, "alice@acme.test")
	require.NoError(t, err)
	assert.False(t, d.Throttled, "attempts outside the 15m window no longer count")
	assert.Zero(t, d.AttemptCount)
}

func TestThrottleIPUsesWiderThreshold(t *testing.T) {
	e, _, _ := newEngine(t, config.LockoutStrict())
	ctx := context.Background()
	ip := "203.0.113.9"

	// 11 attempts across different identifiers: under 4x3=12, not throttled.
	for i := 0; i < 11; i++ {
		require.NoError(t, e.RecordFailedAttempt(ctx, "victim@acme.test", uuid.Nil, ip, "bad_password"))
	}
	d, err := e.ShouldThrottleIP(ctx, ip)
	require.NoError(t, err)
	assert.False(t, d.Throttled)

	require.NoError(t, e.RecordFailedAttempt(ctx, "victim@acme.test", uuid.Nil, ip, "bad_password"))
	d, err = e.ShouldThrottleIP(ctx, ip)
	require.NoError(t, err)
	assert.True(t, d.Throttled)
	assert.Equal(t, 12, d.AttemptCount)
}

func TestShouldLockIgnoresUnresolvedAttempts(t *testing.T) {
	e, _, _ := newEngine(t, config.LockoutStrict())
	ctx := context.Background()
	userID := core.NewID()

	// Two resolved plus several unresolved rows under the same identifier.
	require.NoError(t, e.RecordFailedAttempt(ctx, "alice@acme.test", userID, "", "bad_password"))
	require.NoError(t, e.RecordFailedAttempt(ctx, "alice@acme.test", userID, "", "bad_password"))
	for i := 0; i < 5; i++ {
		require.NoError(t, e.RecordFailedAttempt(ctx, "alice@acme.test", uuid.Nil, "", "bad_password"))
	}

	d, err := e.ShouldLockAccount(ctx, userID)
	require.NoError(t, err)
	assert.False(t, d.ShouldLock)
	assert.Equal(t, 2, d.AttemptCount)

	require.NoError(t, e.RecordFailedAttempt(ctx, "alice@acme.test", userID, "", "bad_password"))
	d, err = e.ShouldLockAccount(ctx, userID)
	require.NoError(t, err)
	assert.True(t, d.ShouldLock)
}

func TestDisabledPolicyNeverActs(t *testing.T) {
	e, _, _ := newEngine(t, config.LockoutDisabled())
	ctx := context.Background()
	userID := core.NewID()

	for i := 0; i < 50; i++ {
		require.NoError(t, e.RecordFailedAttempt(ctx, "alice@acme.test", userID, "203.0.113.9", "bad_password"))
	}

	d, err := e.ShouldThrottleIdentifier(ctx, "alice@acme.test")
	require.NoError(t, err)
	assert.False(t, d.Throttled)

	d, err = e.ShouldThrottleIP(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, d.Throttled)

	l, err := e.ShouldLockAccount(ctx, userID)
	require.NoError(t, err)
	assert.False(t, l.ShouldLock)
}

func TestTimedLockExpires(t *testing.T) {
	e, clock, _ := newEngine(t, config.LockoutModerate())
	ctx := context.Background()
	userID := core.NewID()

	require.NoError(t, e.LockForPolicy(ctx, userID, "too_many_attempts"))

	locked, err := e.IsAccountLocked(ctx, userID, clock.Now())
	require.NoError(t, err)
	assert.True(t, locked)

	locked, err = e.IsAccountLocked(ctx, userID, clock.Now().Add(29*time.Minute))
	require.NoError(t, err)
	assert.True(t, locked)

	// The boundary instant is already unlocked.
	locked, err = e.IsAccountLocked(ctx, userID, clock.Now().Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestIndefiniteLockHolds(t *testing.T) {
	e, clock, _ := newEngine(t, config.LockoutModerate())
	ctx := context.Background()
	userID := core.NewID()

	require.NoError(t, e.LockAccount(ctx, userID, nil, "admin_action"))

	locked, err := e.IsAccountLocked(ctx, userID, clock.Now().Add(1000*time.Hour))
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, e.UnlockAccount(ctx, userID))
	locked, err = e.IsAccountLocked(ctx, userID, clock.Now())
	require.NoError(t, err)
	assert.False(t, locked)

	// Unlocking again is a no-op.
	require.NoError(t, e.UnlockAccount(ctx, userID))
}

func TestLockPublishesEvents(t *testing.T) {
	e, _, bus := newEngine(t, config.LockoutModerate())
	ctx := context.Background()
	userID := core.NewID()

	var got []event.Type
	bus.Subscribe(event.AccountLocked, func(ev event.Event) { got = append(got, ev.Type) })
	bus.Subscribe(event.AccountUnlocked, func(ev event.Event) { got = append(got, ev.Type) })

	require.NoError(t, e.LockForPolicy(ctx, userID, "too_many_attempts"))
	require.NoError(t, e.UnlockAccount(ctx, userID))
	bus.Close()

	assert.Equal(t, []event.Type{event.AccountLocked, event.AccountUnlocked}, got)
}

func TestOnSuccessfulAuthClearsStateAndExpiredLock(t *testing.T) {
	e, clock, _ := newEngine(t, config.LockoutModerate())
	ctx := context.Background()
	userID := core.NewID()

	for i := 0; i < 4; i++ {
		require.NoError(t, e.RecordFailedAttempt(ctx, "alice@acme.test", userID, "", "bad_password"))
	}
	require.NoError(t, e.LockForPolicy(ctx, userID, "too_many_attempts"))
	clock.Advance(31 * time.Minute)

	require.NoError(t, e.OnSuccessfulAuth(ctx, userID, "alice@acme.test"))

	d, err := e.ShouldThrottleIdentifier(ctx, "alice@acme.test")
	require.NoError(t, err)
	assert.Zero(t, d.AttemptCount)

	locked, err := e.IsAccountLocked(ctx, userID, clock.Now())
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestOnSuccessfulAuthKeepsLiveLock(t *testing.T) {
	e, clock, _ := newEngine(t, config.LockoutModerate())
	ctx := context.Background()
	userID := core.NewID()

	require.NoError(t, e.LockAccount(ctx, userID, nil, "admin_action"))
	require.NoError(t, e.OnSuccessfulAuth(ctx, userID, "alice@acme.test"))

	locked, err := e.IsAccountLocked(ctx, userID, clock.Now())
	require.NoError(t, err)
	assert.True(t, locked, "an indefinite lock survives successful auth")
}
