package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter allows or denies events using a sliding-window count in Redis.
// The delegation notifier uses it to bound label/comment posts per repository
// across all api replicas.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// slidingWindow evicts timestamps older than the window, records the new
// event, and returns the in-window count. Runs atomically server-side so
// concurrent api replicas cannot interleave the evict and the count.
//
// KEYS[1] = window key, ARGV[1] = now (ns), ARGV[2] = window (ns).
var slidingWindow = redis.NewScript(`
	local cutoff = tonumber(ARGV[1]) - tonumber(ARGV[2])
	redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, cutoff)
	redis.call("ZADD", KEYS[1], ARGV[1], ARGV[1])
	redis.call("PEXPIRE", KEYS[1], math.floor(tonumber(ARGV[2]) / 500000))
	return redis.call("ZCARD", KEYS[1])
`)

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter.
// limit is the maximum number of events allowed per window for a given key.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

// Allow returns true when the event is within the allowed rate, false when it
// should be suppressed. Suppressed events still count toward the window.
func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := slidingWindow.Run(ctx, r.client,
		[]string{"ratelimit:" + key},
		time.Now().UnixNano(), r.window.Nanoseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("rate limiter script for %q: %w", key, err)
	}
	return count <= int64(r.limit), nil
}
