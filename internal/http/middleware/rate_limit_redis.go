package middleware

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var errNilRedisClient = errors.New("rate limit: redis client is nil")

// RedisFixedWindowLimiter shares request budgets between API replicas.
// Counters are bucketed by window start, so a key never outlives its window.
type RedisFixedWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisFixedWindowLimiter(client redis.UniversalClient, prefix string) *RedisFixedWindowLimiter {
	if prefix == "" {
		prefix = "bda"
	}
	return &RedisFixedWindowLimiter{
		client: client,
		prefix: prefix + ":rl",
		now:    time.Now,
	}
}

func (l *RedisFixedWindowLimiter) bucketKey(key string, start time.Time) string {
	if key == "" {
		key = "unknown"
	}
	return l.prefix + ":" + key + ":" + strconv.FormatInt(start.UnixMilli(), 10)
}

func (l *RedisFixedWindowLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	if l.client == nil {
		return false, window, errNilRedisClient
	}
	if window <= 0 {
		window = time.Second
	}
	now := l.now()
	start := now.Truncate(window)
	storeKey := l.bucketKey(key, start)

	var count *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		count = pipe.Incr(ctx, storeKey)
		pipe.PExpire(ctx, storeKey, window)
		return nil
	})
	if err != nil {
		return false, window, fmt.Errorf("rate limit counter: %w", err)
	}
	retryAfter := start.Add(window).Sub(now)
	if retryAfter <= 0 {
		retryAfter = window
	}
	return count.Val() <= int64(limit), retryAfter, nil
}
