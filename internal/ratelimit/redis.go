package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter is the shared counter store implementation. The first
// request of a window creates the key with the window TTL; subsequent
// requests INCR it. The count is authoritative across all gateway nodes.
type RedisLimiter struct {
	client  *redis.Client
	window  time.Duration
	ceiling int
}

// NewRedisLimiter creates a limiter over the given client with default
// window and ceiling.
func NewRedisLimiter(client *redis.Client, window time.Duration, ceiling int) *RedisLimiter {
	return &RedisLimiter{client: client, window: window, ceiling: ceiling}
}

func bucketKey(instanceID string) string {
	return "ratelimit:" + instanceID
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, instanceID string, ceiling int) error {
	if ceiling <= 0 {
		ceiling = l.ceiling
	}
	key := bucketKey(instanceID)

	// SET NX opens the window; INCR counts within it. The two-step shape
	// admits a harmless boundary race (see package comment).
	created, err := l.client.SetNX(ctx, key, 1, l.window).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: setnx: %w", err)
	}
	if created {
		if ceiling < 1 {
			return overLimit(instanceID, l.window)
		}
		return nil
	}

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("ratelimit: incr: %w", err)
	}
	if count <= int64(ceiling) {
		return nil
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = l.window
	}
	return overLimit(instanceID, ttl)
}

// Reset clears the instance's window. Used by tests and admin tooling.
func (l *RedisLimiter) Reset(ctx context.Context, instanceID string) error {
	return l.client.Del(ctx, bucketKey(instanceID)).Err()
}
