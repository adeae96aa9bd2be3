package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements fixed-window rate limiting backed by Redis,
// so the quota holds across relay replicas.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRedisLimiter connects to Redis and returns a limiter.
func NewRedisLimiter(ctx context.Context, redisURL string, limit int, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisLimiter{client: client, limit: limit, window: window}, nil
}

// Close closes the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}

func (l *RedisLimiter) Limit() int {
	return l.limit
}

// windowKey buckets counters by the current fixed window.
func (l *RedisLimiter) windowKey(vaultID string, now time.Time) string {
	bucket := now.Unix() / int64(l.window.Seconds())
	return fmt.Sprintf("ratelimit:send:%s:%d", vaultID, bucket)
}

func (l *RedisLimiter) Allow(ctx context.Context, vaultID string) (bool, int, time.Duration, error) {
	now := time.Now()
	key := l.windowKey(vaultID, now)

	pipe := l.client.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, 0, err
	}

	count := incrCmd.Val()
	remaining := l.limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	windowEnd := time.Unix((now.Unix()/int64(l.window.Seconds())+1)*int64(l.window.Seconds()), 0)
	if count > int64(l.limit) {
		return false, 0, time.Until(windowEnd), nil
	}
	return true, remaining, 0, nil
}
