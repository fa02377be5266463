package ports

import (
	"context"
	"time"
)

// RateLimiter counts calls per key in fixed windows.
type RateLimiter interface {
	// Allow reports whether one more call for key fits in the current window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
