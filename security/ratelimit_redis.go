package security

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces limiter counters in a shared Redis.
const redisKeyPrefix = "ingesthub:ratelimit:"

// RedisRateLimitStore backs the rate limiter with a shared Redis so
// multiple ingesthub instances enforce one window. Counters carry a TTL
// equal to the window, so Sweep is a no-op.
type RedisRateLimitStore struct {
	client *redis.Client
}

// NewRedisRateLimitStore creates a store over an existing Redis client.
// The caller owns the client lifecycle.
func NewRedisRateLimitStore(client *redis.Client) (*RedisRateLimitStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection test failed: %w", err)
	}
	return &RedisRateLimitStore{client: client}, nil
}

// Increment implements RateLimitStore using INCR + window-scoped expiry.
func (s *RedisRateLimitStore) Increment(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	redisKey := redisKeyPrefix + key

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	// Only set the expiry when the key is created; NX keeps the window fixed.
	pipe.ExpireNX(ctx, redisKey, window)
	ttl := pipe.TTL(ctx, redisKey)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("redis increment: %w", err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return int(incr.Val()), time.Now().Add(remaining), nil
}

// Sweep implements RateLimitStore. Redis expires counters natively.
func (s *RedisRateLimitStore) Sweep(context.Context) error {
	return nil
}
