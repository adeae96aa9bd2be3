// Package ratelimit enforces the per-sender send quota.
package ratelimit

import (
	"context"
	"time"
)

// Limiter answers whether a sender may send another message right now.
type Limiter interface {
	// Allow records an attempt for vaultID and reports whether it fits
	// within the window. When it does not, retryAfter says how long the
	// caller should wait before the window resets.
	Allow(ctx context.Context, vaultID string) (allowed bool, remaining int, retryAfter time.Duration, err error)

	// Limit returns the configured requests-per-window ceiling.
	Limit() int
}
