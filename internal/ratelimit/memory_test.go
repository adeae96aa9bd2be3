package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterWindow(t *testing.T) {
	l := NewMemoryLimiter(60, time.Minute)
	// Pin the clock mid-window so the bucket cannot roll during the test.
	fixed := time.Date(2026, 1, 2, 3, 4, 30, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	ctx := context.Background()
	for i := 1; i <= 60; i++ {
		allowed, remaining, _, err := l.Allow(ctx, "vault_a")
		if err != nil {
			t.Fatal(err)
		}
		if !allowed {
			t.Fatalf("request %d denied within quota", i)
		}
		if remaining != 60-i {
			t.Fatalf("request %d: remaining = %d", i, remaining)
		}
	}

	allowed, _, retryAfter, err := l.Allow(ctx, "vault_a")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("61st request allowed")
	}
	if retryAfter <= 0 {
		t.Fatalf("no retry hint: %v", retryAfter)
	}
}

func TestMemoryLimiterPerSender(t *testing.T) {
	l := NewMemoryLimiter(1, time.Minute)
	fixed := time.Date(2026, 1, 2, 3, 4, 30, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	ctx := context.Background()
	if allowed, _, _, _ := l.Allow(ctx, "vault_a"); !allowed {
		t.Fatal("first send denied")
	}
	if allowed, _, _, _ := l.Allow(ctx, "vault_a"); allowed {
		t.Fatal("quota not enforced")
	}
	// A different sender has its own counter.
	if allowed, _, _, _ := l.Allow(ctx, "vault_b"); !allowed {
		t.Fatal("unrelated sender throttled")
	}
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	l := NewMemoryLimiter(1, time.Minute)
	now := time.Date(2026, 1, 2, 3, 4, 30, 0, time.UTC)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	l.Allow(ctx, "vault_a")
	if allowed, _, _, _ := l.Allow(ctx, "vault_a"); allowed {
		t.Fatal("quota not enforced")
	}

	now = now.Add(time.Minute)
	if allowed, _, _, _ := l.Allow(ctx, "vault_a"); !allowed {
		t.Fatal("counter did not reset with the window")
	}
}
