// Package ratelimit implements fixed-window admission control per backend
// instance. The bucket is scoped to the instance (already tenant-owned), so
// one tenant cannot deplete another's window.
//
// Fixed-window imprecision is accepted: a check racing the window boundary
// may admit the last request of window A and the first of window B.
package ratelimit

import (
	"context"
	"time"

	"github.com/unitrack/unitrack/internal/apperr"
)

// Limiter admits or rejects a request against an instance's window.
type Limiter interface {
	// Allow consumes one slot for the instance. ceiling <= 0 uses the
	// limiter's configured default. On overflow it returns a rate_limited
	// taxonomy error whose retry_after is the remaining window, never
	// below one second.
	Allow(ctx context.Context, instanceID string, ceiling int) error
}

// overLimit builds the rate_limited error for a depleted window.
func overLimit(instanceID string, retryAfter time.Duration) error {
	seconds := int(retryAfter / time.Second)
	return apperr.New(apperr.KindRateLimited, "rate limit exceeded for instance %s", instanceID).
		WithRetryAfter(seconds).
		WithDetails(map[string]interface{}{"instance_id": instanceID})
}
