package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is the in-process fallback for tests and single-node
// deployments. The map is guarded by a plain mutex; the critical section
// contains no blocking calls.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	window  time.Duration
	ceiling int

	now func() time.Time // test seam
}

type bucket struct {
	count       int
	windowStart time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(window time.Duration, ceiling int) *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		window:  window,
		ceiling: ceiling,
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, instanceID string, ceiling int) error {
	if ceiling <= 0 {
		ceiling = l.ceiling
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[instanceID]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[instanceID] = &bucket{count: 1, windowStart: now}
		if ceiling < 1 {
			return overLimit(instanceID, l.window)
		}
		return nil
	}

	b.count++
	if b.count <= ceiling {
		return nil
	}
	remaining := l.window - now.Sub(b.windowStart)
	return overLimit(instanceID, remaining)
}

// Reset clears the instance's window.
func (l *MemoryLimiter) Reset(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, instanceID)
}
