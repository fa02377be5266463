// Package ratelimit implements fixed-window call counting per key.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/marketgate/ports"
)

type window struct {
	start time.Time
	count int
}

// MemoryLimiter counts calls in process memory.
type MemoryLimiter struct {
	clock ports.Clock

	mu      sync.Mutex
	windows map[string]*window
}

// NewMemoryLimiter creates an in-memory fixed-window limiter
func NewMemoryLimiter(clock ports.Clock) *MemoryLimiter {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &MemoryLimiter{
		clock:   clock,
		windows: make(map[string]*window),
	}
}

// Allow checks if a request is allowed for the given key
func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, size time.Duration) (bool, error) {
	now := l.clock.Now()
	start := now.Truncate(size)

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		l.windows[key] = w
	}
	if w.count >= limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// Cleanup removes windows that ended before now
func (l *MemoryLimiter) Cleanup(size time.Duration) {
	cutoff := l.clock.Now().Truncate(size)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if w.start.Before(cutoff) {
			delete(l.windows, key)
		}
	}
}

// Run cleans up on every interval tick until ctx is done
func (l *MemoryLimiter) Run(ctx context.Context, size time.Duration) {
	ticker := time.NewTicker(size)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Cleanup(size)
		case <-ctx.Done():
			return
		}
	}
}

var _ ports.RateLimiter = (*MemoryLimiter)(nil)
