// Package ratelimit provides sliding-window counters per (scope, key). The
// window is exact: a request is allowed while fewer than limit requests
// happened in the trailing window, and RetryAfter reports when the oldest
// counted request ages out.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegisid/aegis/internal/core"
)

// Decision is the outcome of a limiter check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter decides whether one more event under (scope, key) fits in the
// window. A successful Allow counts the event.
type Limiter interface {
	Allow(ctx context.Context, scope, key string, limit int, window time.Duration) (Decision, error)
}

// MemoryLimiter is an in-process sliding window. Suitable for single-node
// embeddings and tests; use RedisLimiter when the platform runs replicated.
type MemoryLimiter struct {
	clock core.Clock

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewMemoryLimiter builds an in-process limiter on the given clock.
func NewMemoryLimiter(clock core.Clock) *MemoryLimiter {
	return &MemoryLimiter{clock: clock, windows: make(map[string][]time.Time)}
}

func (l *MemoryLimiter) Allow(ctx context.Context, scope, key string, limit int, window time.Duration) (Decision, error) {
	now := l.clock.Now()
	cutoff := now.Add(-window)
	k := scope + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.windows[k][:0]
	for _, t := range l.windows[k] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		retry := kept[0].Add(window).Sub(now)
		l.windows[k] = kept
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}

	l.windows[k] = append(kept, now)
	return Decision{Allowed: true}, nil
}

// Cooldown enforces a minimum interval between events per key, e.g. one
// challenge send per method per 60 seconds. Backed by token buckets with a
// burst of one.
type Cooldown struct {
	interval time.Duration
	buckets  sync.Map // key -> *rate.Limiter
}

// NewCooldown builds a per-key cooldown of the given interval.
func NewCooldown(interval time.Duration) *Cooldown {
	return &Cooldown{interval: interval}
}

// Allow reports whether the key is out of cooldown, consuming the slot if so.
func (c *Cooldown) Allow(key string) bool {
	v, _ := c.buckets.LoadOrStore(key, rate.NewLimiter(rate.Every(c.interval), 1))
	return v.(*rate.Limiter).Allow()
}
