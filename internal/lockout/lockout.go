// Package lockout implements two-layer brute-force defense: sliding-window
// throttling per identifier and per source IP, and timed or indefinite
// account locks driven by per-user attempt counts.
package lockout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegisid/aegis/internal/config"
	"github.com/aegisid/aegis/internal/core"
	"github.com/aegisid/aegis/internal/event"
	"github.com/aegisid/aegis/internal/storage"
)

// ipThresholdFactor widens the IP window relative to the identifier window:
// one address attacking many accounts trips it before any single identifier
// does, while NAT'd offices stay under it.
const ipThresholdFactor = 4

// ThrottleDecision is the outcome of a pre-authentication throttle check.
type ThrottleDecision struct {
	Throttled    bool
	AttemptCount int
}

// LockDecision reports whether the user's failed-attempt count warrants an
// account lock.
type LockDecision struct {
	ShouldLock   bool
	AttemptCount int
}

// Engine applies one realm's lockout policy.
type Engine struct {
	realm  string
	policy config.LockoutPolicy
	store  storage.Store
	bus    *event.Bus
	clock  core.Clock
	logger *slog.Logger
}

// NewEngine builds a lockout engine for the realm.
func NewEngine(realm string, policy config.LockoutPolicy, store storage.Store, bus *event.Bus, clock core.Clock, logger *slog.Logger) *Engine {
	return &Engine{realm: realm, policy: policy, store: store, bus: bus, clock: clock, logger: logger}
}

// RecordFailedAttempt inserts one attempt row and opportunistically prunes
// rows for the same identifier that have aged out of the window. userID is
// uuid.Nil when the identifier resolved to no user.
func (e *Engine) RecordFailedAttempt(ctx context.Context, identifier string, userID uuid.UUID, ip, reason string) error {
	now := e.clock.Now()
	err := e.store.CreateFailedAttempt(ctx, storage.FailedAttempt{
		ID:          core.NewID(),
		Realm:       e.realm,
		Identifier:  identifier,
		UserID:      userID,
		IPAddress:   ip,
		AttemptedAt: now,
		Reason:      reason,
	})
	if err != nil {
		return fmt.Errorf("recording failed attempt: %w", err)
	}

	if e.policy.Enabled {
		if err := e.store.DeleteFailedAttemptsBefore(ctx, e.realm, identifier, now.Add(-e.policy.AttemptWindow)); err != nil {
			e.logger.Warn("failed_attempt_prune_failed", "realm", e.realm, "error", err)
		}
	}
	return nil
}

// ShouldThrottleIdentifier counts window attempts against the identifier.
func (e *Engine) ShouldThrottleIdentifier(ctx context.Context, identifier string) (ThrottleDecision, error) {
	if !e.policy.Enabled {
		return ThrottleDecision{}, nil
	}
	count, err := e.store.CountFailedAttemptsByIdentifier(ctx, e.realm, identifier, e.clock.Now().Add(-e.policy.AttemptWindow))
	if err != nil {
		return ThrottleDecision{}, fmt.Errorf("counting attempts by identifier: %w", err)
	}
	return ThrottleDecision{Throttled: count >= e.policy.MaxFailedAttempts, AttemptCount: count}, nil
}

// ShouldThrottleIP counts window attempts against the source IP, with a
// threshold of ipThresholdFactor times the identifier threshold.
func (e *Engine) ShouldThrottleIP(ctx context.Context, ip string) (ThrottleDecision, error) {
	if !e.policy.Enabled || ip == "" {
		return ThrottleDecision{}, nil
	}
	count, err := e.store.CountFailedAttemptsByIP(ctx, e.realm, ip, e.clock.Now().Add(-e.policy.AttemptWindow))
	if err != nil {
		return ThrottleDecision{}, fmt.Errorf("counting attempts by ip: %w", err)
	}
	return ThrottleDecision{Throttled: count >= ipThresholdFactor*e.policy.MaxFailedAttempts, AttemptCount: count}, nil
}

// ShouldLockAccount counts window attempts attributed to the user. Attempts
// that resolved to no user never contribute here.
func (e *Engine) ShouldLockAccount(ctx context.Context, userID uuid.UUID) (LockDecision, error) {
	if !e.policy.Enabled || userID == uuid.Nil {
		return LockDecision{}, nil
	}
	count, err := e.store.CountFailedAttemptsByUser(ctx, userID, e.clock.Now().Add(-e.policy.AttemptWindow))
	if err != nil {
		return LockDecision{}, fmt.Errorf("counting attempts by user: %w", err)
	}
	return LockDecision{ShouldLock: count >= e.policy.MaxFailedAttempts, AttemptCount: count}, nil
}

// LockAccount upserts a lock. A nil until locks indefinitely. Publishes
// AccountLocked.
func (e *Engine) LockAccount(ctx context.Context, userID uuid.UUID, until *time.Time, reason string) error {
	err := e.store.UpsertAccountLock(ctx, storage.AccountLock{
		UserID:      userID,
		LockedUntil: until,
		Reason:      reason,
		LockedAt:    e.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("locking account: %w", err)
	}

	e.logger.Warn("account_locked", "realm", e.realm, "user_id", userID, "reason", reason)
	e.bus.Publish(event.Event{
		Type:   event.AccountLocked,
		UserID: userID,
		Data:   event.AccountLockData{UserID: userID, Reason: reason, LockedUntil: until},
	})
	return nil
}

// LockForPolicy locks the account for the policy's lockout duration.
func (e *Engine) LockForPolicy(ctx context.Context, userID uuid.UUID, reason string) error {
	until := e.clock.Now().Add(e.policy.LockoutDuration)
	return e.LockAccount(ctx, userID, &until, reason)
}

// UnlockAccount removes any lock and publishes AccountUnlocked. Unlocking an
// unlocked account is a no-op.
func (e *Engine) UnlockAccount(ctx context.Context, userID uuid.UUID) error {
	if err := e.store.DeleteAccountLock(ctx, userID); err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return fmt.Errorf("unlocking account: %w", err)
	}
	e.bus.Publish(event.Event{
		Type:   event.AccountUnlocked,
		UserID: userID,
		Data:   event.AccountLockData{UserID: userID},
	})
	return nil
}

// IsAccountLocked reports whether a lock holds at the given instant. A nil
// LockedUntil is indefinite; a timed lock holds while at < LockedUntil.
func (e *Engine) IsAccountLocked(ctx context.Context, userID uuid.UUID, at time.Time) (bool, error) {
	lock, err := e.store.GetAccountLock(ctx, userID)
	if err != nil {
		if err == storage.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("loading account lock: %w", err)
	}
	if lock.LockedUntil == nil {
		return true, nil
	}
	return at.Before(*lock.LockedUntil), nil
}

// ClearFailedAttemptsForIdentifier drops all attempt rows for the identifier.
func (e *Engine) ClearFailedAttemptsForIdentifier(ctx context.Context, identifier string) error {
	return e.store.DeleteFailedAttemptsByIdentifier(ctx, e.realm, identifier)
}

// ClearFailedAttemptsForUser drops all attempt rows attributed to the user.
func (e *Engine) ClearFailedAttemptsForUser(ctx context.Context, userID uuid.UUID) error {
	return e.store.DeleteFailedAttemptsByUser(ctx, userID)
}

// OnSuccessfulAuth clears the user's attempts and releases a timed lock that
// has already expired. Live locks are left in place.
func (e *Engine) OnSuccessfulAuth(ctx context.Context, userID uuid.UUID, identifier string) error {
	if err := e.ClearFailedAttemptsForIdentifier(ctx, identifier); err != nil {
		return err
	}
	if err := e.ClearFailedAttemptsForUser(ctx, userID); err != nil {
		return err
	}

	lock, err := e.store.GetAccountLock(ctx, userID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil
		}
		return fmt.Errorf("loading account lock: %w", err)
	}
	if lock.LockedUntil != nil && !e.clock.Now().Before(*lock.LockedUntil) {
		return e.UnlockAccount(ctx, userID)
	}
	return nil
}
