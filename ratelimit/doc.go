// Package ratelimit provides per-key request rate limiting.
//
// The security layer keys limits by principal, so one noisy API key
// cannot starve the others.
//
// # Local Rate Limiting
//
// The MemoryLimiter keeps one token bucket per key:
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetDefault(600, time.Minute)       // every principal
//	limiter.SetCapacity("ingest-bot", 60, time.Minute) // a tighter one
//
//	if ok, retryAfter := limiter.Allow(principal); !ok {
//	    return errors.RateLimited("slow down", retryAfter)
//	}
//
// # Algorithm
//
// Buckets are golang.org/x/time/rate limiters:
//   - Tokens are added at a fixed rate based on capacity/window
//   - A bucket holds at most capacity tokens, so bursts are bounded
//   - Allow never blocks; a refused call reports when the next token lands
//   - Buckets created from the default are forgotten after DefaultIdleTTL
//     without traffic
package ratelimit
