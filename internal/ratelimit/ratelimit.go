// Package ratelimit throttles expensive endpoints per caller.
//
// The generative endpoints each start a multi-attempt model conversation, so
// they are limited per caller address with an in-memory token bucket.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. An error signals a
	// limiter malfunction; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// New returns a MemoryLimiter allowing perMinute sustained requests per key
// with the given burst, or a NoopLimiter when perMinute is zero.
func New(perMinute, burst int) Limiter {
	if perMinute <= 0 {
		return NoopLimiter{}
	}
	return NewMemoryLimiter(float64(perMinute)/60, burst)
}
