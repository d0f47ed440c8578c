package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegisid/aegis/internal/core"
)

// RedisLimiter is a sliding window over a redis sorted set per (scope, key),
// for deployments where authentication traffic is spread across replicas.
// Each request is a member scored by its unix-nano timestamp; members older
// than the window are trimmed before counting.
type RedisLimiter struct {
	client *redis.Client
	clock  core.Clock
	prefix string
}

// NewRedisLimiter builds a limiter on an existing client. Keys are namespaced
// under prefix (default "aegis:rl").
func NewRedisLimiter(client *redis.Client, clock core.Clock, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "aegis:rl"
	}
	return &RedisLimiter{client: client, clock: clock, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, scope, key string, limit int, window time.Duration) (Decision, error) {
	now := l.clock.Now()
	cutoff := now.Add(-window)
	rkey := fmt.Sprintf("%s:%s:%s", l.prefix, scope, key)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	countCmd := pipe.ZCard(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limiter pipeline failed: %w", err)
	}

	count := int(countCmd.Val())
	if count >= limit {
		oldest, err := l.client.ZRangeWithScores(ctx, rkey, 0, 0).Result()
		retry := window
		if err == nil && len(oldest) == 1 {
			oldestAt := time.Unix(0, int64(oldest[0].Score))
			retry = oldestAt.Add(window).Sub(now)
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}

	member := fmt.Sprintf("%d-%d", now.UnixNano(), count)
	add := l.client.TxPipeline()
	add.ZAdd(ctx, rkey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	add.Expire(ctx, rkey, window)
	if _, err := add.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limiter record failed: %w", err)
	}

	return Decision{Allowed: true}, nil
}
