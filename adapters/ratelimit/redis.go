package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/layer-3/marketgate/ports"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter shares fixed windows across instances.
type RedisLimiter struct {
	client *redis.Client
	clock  ports.Clock
	prefix string
}

// NewRedisLimiter creates a Redis-backed fixed-window limiter
func NewRedisLimiter(client *redis.Client, clock ports.Clock) *RedisLimiter {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &RedisLimiter{client: client, clock: clock, prefix: "marketgate:ratelimit:"}
}

// Allow increments the key's counter for the current window
func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, size time.Duration) (bool, error) {
	start := l.clock.Now().Truncate(size).UnixMilli()
	k := l.prefix + key + ":" + strconv.FormatInt(start, 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.PExpire(ctx, k, size)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to count request: %w", err)
	}
	return incr.Val() <= int64(limit), nil
}

var _ ports.RateLimiter = (*RedisLimiter)(nil)
