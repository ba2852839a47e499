package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeClock returns a limiter whose clock only moves when advance is called.
func fakeClock(limiter *MemoryLimiter) (advance func(time.Duration)) {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter.nowFunc = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func TestMemoryLimiter_SetCapacity(t *testing.T) {
	limiter := NewMemoryLimiter()
	defer limiter.Close()

	limiter.SetCapacity("key-a", 10, time.Minute)

	cap := limiter.GetCapacity("key-a")
	if cap == nil {
		t.Fatal("expected capacity, got nil")
	}
	if cap.Total != 10 {
		t.Errorf("expected capacity 10, got %d", cap.Total)
	}
	if cap.Available != 10 {
		t.Errorf("expected available 10, got %d", cap.Available)
	}
	if cap.Window != time.Minute {
		t.Errorf("expected window 1m, got %v", cap.Window)
	}
}

func TestMemoryLimiter_Allow(t *testing.T) {
	limiter := NewMemoryLimiter()
	defer limiter.Close()
	fakeClock(limiter)

	limiter.SetCapacity("key-a", 3, time.Minute)

	// Should allow 3 calls
	for i := 0; i < 3; i++ {
		if ok, _ := limiter.Allow("key-a"); !ok {
			t.Errorf("expected Allow to succeed on attempt %d", i+1)
		}
	}

	// 4th should fail with a retry hint of one refill interval
	ok, retryAfter := limiter.Allow("key-a")
	if ok {
		t.Error("expected Allow to fail after exhausting capacity")
	}
	if retryAfter < 19*time.Second || retryAfter > 21*time.Second {
		t.Errorf("expected retryAfter ~20s, got %v", retryAfter)
	}

	cap := limiter.GetCapacity("key-a")
	if cap.Available != 0 {
		t.Errorf("expected available 0, got %d", cap.Available)
	}
}

func TestMemoryLimiter_Refill(t *testing.T) {
	limiter := NewMemoryLimiter()
	defer limiter.Close()
	advance := fakeClock(limiter)

	limiter.SetCapacity("key-a", 2, time.Minute)
	limiter.Allow("key-a")
	limiter.Allow("key-a")

	if ok, _ := limiter.Allow("key-a"); ok {
		t.Fatal("expected exhausted bucket")
	}

	advance(30 * time.Second)
	if ok, _ := limiter.Allow("key-a"); !ok {
		t.Error("expected one token after half a window")
	}
	if ok, _ := limiter.Allow("key-a"); ok {
		t.Error("expected only one token after half a window")
	}

	// Never more than capacity.
	advance(time.Hour)
	if cap := limiter.GetCapacity("key-a"); cap.Available != 2 {
		t.Errorf("expected available capped at 2, got %d", cap.Available)
	}
}

func TestMemoryLimiter_RefusedCallsDoNotConsume(t *testing.T) {
	limiter := NewMemoryLimiter()
	defer limiter.Close()
	advance := fakeClock(limiter)

	limiter.SetCapacity("key-a", 1, time.Minute)
	limiter.Allow("key-a")

	for i := 0; i < 5; i++ {
		limiter.Allow("key-a")
	}

	advance(time.Minute)
	if ok, _ := limiter.Allow("key-a"); !ok {
		t.Error("refused calls should not push back the next token")
	}
}

func TestMemoryLimiter_UnlimitedKey(t *testing.T) {
	limiter := NewMemoryLimiter()
	defer limiter.Close()

	for i := 0; i < 100; i++ {
		if ok, _ := limiter.Allow("anyone"); !ok {
			t.Fatal("unconfigured key without default should be unlimited")
		}
	}
	if cap := limiter.GetCapacity("anyone"); cap != nil {
		t.Errorf("expected nil capacity, got %+v", cap)
	}
}

func TestMemoryLimiter_Default(t *testing.T) {
	limiter := NewMemoryLimiter()
	defer limiter.Close()
	fakeClock(limiter)

	limiter.SetDefault(2, time.Minute)
	limiter.SetCapacity("vip", 5, time.Minute)

	for _, key := range []string{"a", "b"} {
		limiter.Allow(key)
		limiter.Allow(key)
		if ok, _ := limiter.Allow(key); ok {
			t.Errorf("%s: expected default limit of 2", key)
		}
	}

	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow("vip"); !ok {
			t.Errorf("vip: expected own capacity, refused on attempt %d", i+1)
		}
	}
}

func TestMemoryLimiter_IdleDefaultBucketsExpire(t *testing.T) {
	limiter := NewMemoryLimiter()
	defer limiter.Close()
	advance := fakeClock(limiter)

	limiter.SetDefault(1, time.Hour)
	limiter.SetCapacity("pinned", 1, time.Hour)
	limiter.Allow("idle")
	limiter.Allow("pinned")

	advance(DefaultIdleTTL + 2*time.Minute)
	limiter.Allow("other") // triggers a sweep

	if cap := limiter.GetCapacity("idle"); cap != nil {
		t.Errorf("expected idle default bucket to expire, got %+v", cap)
	}
	if cap := limiter.GetCapacity("pinned"); cap == nil {
		t.Error("explicit bucket should never expire")
	}
}

func TestMemoryLimiter_RemoveCapacity(t *testing.T) {
	limiter := NewMemoryLimiter()
	defer limiter.Close()

	limiter.SetCapacity("key-a", 1, time.Minute)
	limiter.Allow("key-a")
	limiter.SetCapacity("key-a", 0, 0)

	if ok, _ := limiter.Allow("key-a"); !ok {
		t.Error("expected key to be unlimited after removing its capacity")
	}
}

func TestMemoryLimiter_Wait(t *testing.T) {
	limiter := NewMemoryLimiter()
	defer limiter.Close()

	// One token per 10ms: the second call waits for the refill.
	limiter.SetCapacity("key-a", 1, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := limiter.Wait(ctx, "key-a"); err != nil {
		t.Fatalf("first Wait: %v", err)
	}
	if err := limiter.Wait(ctx, "key-a"); err != nil {
		t.Fatalf("second Wait: %v", err)
	}
}

func TestMemoryLimiter_Wait_ContextCancel(t *testing.T) {
	limiter := NewMemoryLimiter()
	defer limiter.Close()

	limiter.SetCapacity("key-a", 1, time.Hour)
	limiter.Allow("key-a")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "key-a"); err == nil {
		t.Error("expected Wait to fail when the next token is an hour away")
	}
}

func TestMemoryLimiter_Close(t *testing.T) {
	limiter := NewMemoryLimiter()
	limiter.SetCapacity("key-a", 10, time.Minute)

	if err := limiter.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := limiter.Close(); err != ErrClosed {
		t.Errorf("expected ErrClosed on second Close, got %v", err)
	}
	if ok, _ := limiter.Allow("key-a"); ok {
		t.Error("expected Allow to fail after Close")
	}
	if err := limiter.Wait(context.Background(), "key-a"); err != ErrClosed {
		t.Errorf("expected ErrClosed from Wait, got %v", err)
	}
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	limiter := NewMemoryLimiter()
	defer limiter.Close()
	fakeClock(limiter)

	limiter.SetCapacity("key-a", 50, time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := limiter.Allow("key-a"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("expected exactly 50 allowed, got %d", allowed)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		capacity int
		window   time.Duration
		want     error
	}{
		{10, time.Minute, nil},
		{0, 0, nil},
		{-1, time.Minute, ErrInvalidCapacity},
		{5, 0, ErrInvalidWindow},
	}
	for _, tt := range tests {
		if got := Validate(tt.capacity, tt.window); got != tt.want {
			t.Errorf("Validate(%d, %v) = %v, want %v", tt.capacity, tt.window, got, tt.want)
		}
	}
}
