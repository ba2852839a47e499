package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrInvalidCapacity = errors.New("invalid capacity")
	ErrInvalidWindow   = errors.New("invalid window")
)

// RateLimiter limits how often each key (a principal, usually) may act.
// Keys without a configured capacity fall back to the default, and are
// unlimited when there is none.
type RateLimiter interface {
	// Allow takes one token for key without blocking. When none is
	// available it returns false and how long until one will be.
	Allow(key string) (bool, time.Duration)

	// Wait blocks until a token is available for key.
	// Returns context.Canceled or context.DeadlineExceeded if context ends.
	Wait(ctx context.Context, key string) error

	// SetCapacity configures the rate limit for one key.
	// capacity is the number of tokens per window; zero removes the limit.
	SetCapacity(key string, capacity int, window time.Duration)

	// SetDefault configures the limit applied to keys without their own.
	SetDefault(capacity int, window time.Duration)

	// GetCapacity returns the current capacity info for a key.
	// Returns nil if the key is unlimited.
	GetCapacity(key string) *Capacity

	// Close shuts down the limiter and releases resources.
	Close() error
}

// Capacity describes the rate limit state of a key.
type Capacity struct {
	// Key is the limited identity.
	Key string

	// Available is the current number of whole tokens.
	Available int

	// Total is the maximum capacity (tokens per window).
	Total int

	// Window is the refill period.
	Window time.Duration
}

// Validate checks a capacity/window pair.
func Validate(capacity int, window time.Duration) error {
	if capacity < 0 {
		return ErrInvalidCapacity
	}
	if capacity > 0 && window <= 0 {
		return ErrInvalidWindow
	}
	return nil
}
