package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a single-process fixed-window limiter for development
// and tests. It mirrors RedisLimiter's window semantics.
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	counts map[string]int
	bucket int64

	// now is overridable in tests.
	now func() time.Time
}

// NewMemoryLimiter returns an in-process limiter.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:  limit,
		window: window,
		counts: make(map[string]int),
		now:    time.Now,
	}
}

func (l *MemoryLimiter) Limit() int {
	return l.limit
}

// SetClock overrides the limiter's time source. Test hook.
func (l *MemoryLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLimiter) Allow(_ context.Context, vaultID string) (bool, int, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	bucket := now.Unix() / int64(l.window.Seconds())
	if bucket != l.bucket {
		l.bucket = bucket
		l.counts = make(map[string]int)
	}

	l.counts[vaultID]++
	count := l.counts[vaultID]

	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}

	if count > l.limit {
		windowEnd := time.Unix((bucket+1)*int64(l.window.Seconds()), 0)
		return false, 0, windowEnd.Sub(now), nil
	}
	return true, remaining, 0, nil
}
