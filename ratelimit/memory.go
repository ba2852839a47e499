package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdleTTL is how long a key limited only by the default survives
// without traffic.
const DefaultIdleTTL = 10 * time.Minute

// bucket is one token bucket. Tokens refill continuously at
// capacity/window and at most capacity accumulate.
type bucket struct {
	limiter  *rate.Limiter
	capacity int
	window   time.Duration
	explicit bool      // configured with SetCapacity rather than the default
	lastSeen time.Time // last Allow or Wait
}

func newBucket(capacity int, window time.Duration, explicit bool, now time.Time) *bucket {
	return &bucket{
		limiter:  rate.NewLimiter(rate.Limit(float64(capacity)/window.Seconds()), capacity),
		capacity: capacity,
		window:   window,
		explicit: explicit,
		lastSeen: now,
	}
}

// MemoryLimiter provides local rate limiting using token buckets.
// It is safe for concurrent use.
type MemoryLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*bucket
	defCap    int
	defWindow time.Duration
	idleTTL   time.Duration
	lastSweep time.Time
	closed    bool
	nowFunc   func() time.Time // for testing
}

// NewMemoryLimiter creates a new in-memory rate limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		idleTTL: DefaultIdleTTL,
		nowFunc: time.Now,
	}
}

// SetCapacity configures the rate limit for a key.
func (m *MemoryLimiter) SetCapacity(key string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if capacity <= 0 || window <= 0 {
		delete(m.buckets, key)
		return
	}

	now := m.nowFunc()
	if b, exists := m.buckets[key]; exists {
		b.capacity = capacity
		b.window = window
		b.explicit = true
		b.limiter.SetLimitAt(now, rate.Limit(float64(capacity)/window.Seconds()))
		b.limiter.SetBurstAt(now, capacity)
		return
	}
	m.buckets[key] = newBucket(capacity, window, true, now)
}

// SetDefault configures the limit for keys without their own. Existing
// default buckets keep their old limit until they expire.
func (m *MemoryLimiter) SetDefault(capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if capacity <= 0 || window <= 0 {
		capacity, window = 0, 0
	}
	m.defCap = capacity
	m.defWindow = window
}

// bucketLocked returns the bucket for key, creating a default one when a
// default is configured. Caller holds m.mu.
func (m *MemoryLimiter) bucketLocked(key string, now time.Time) *bucket {
	m.sweepLocked(now)
	if b, ok := m.buckets[key]; ok {
		b.lastSeen = now
		return b
	}
	if m.defCap == 0 {
		return nil
	}
	b := newBucket(m.defCap, m.defWindow, false, now)
	m.buckets[key] = b
	return b
}

// sweepLocked forgets idle default buckets, at most once a minute.
func (m *MemoryLimiter) sweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < time.Minute {
		return
	}
	m.lastSweep = now
	for key, b := range m.buckets {
		if !b.explicit && now.Sub(b.lastSeen) > m.idleTTL {
			delete(m.buckets, key)
		}
	}
}

// GetCapacity returns the current capacity info for a key.
func (m *MemoryLimiter) GetCapacity(key string) *Capacity {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, exists := m.buckets[key]
	if !exists {
		return nil
	}
	return &Capacity{
		Key:       key,
		Available: int(b.limiter.TokensAt(m.nowFunc())),
		Total:     b.capacity,
		Window:    b.window,
	}
}

// Allow takes one token for key without blocking.
func (m *MemoryLimiter) Allow(key string) (bool, time.Duration) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, 0
	}
	now := m.nowFunc()
	b := m.bucketLocked(key, now)
	m.mu.Unlock()
	if b == nil {
		return true, 0
	}

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, b.window
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Wait blocks until a token is available for key.
func (m *MemoryLimiter) Wait(ctx context.Context, key string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	b := m.bucketLocked(key, m.nowFunc())
	m.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

// Close shuts down the limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.buckets = make(map[string]*bucket)
	return nil
}

// Ensure MemoryLimiter implements RateLimiter.
var _ RateLimiter = (*MemoryLimiter)(nil)
