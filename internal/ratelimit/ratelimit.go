// Package ratelimit provides per-session-key token-bucket rate limiting
// ahead of the Request Dispatcher.
//
// A per-key token-bucket limiter built on x/time/rate
// (map[string]*rate.Limiter, lazily created per key under a RWMutex), keyed
// here by the bridge's own session key instead of an auth token id, since
// there is no auth/token store for the bridge to key off instead.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter rate-limits per key.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// New creates a Limiter allowing requestsPerSecond sustained, with the given
// burst size.
func New(requestsPerSecond float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// Default returns a Limiter with conservative defaults: 10 req/s,
// burst 20.
func Default() *Limiter {
	return New(10, 20)
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[key]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok = l.limiters[key]; ok {
		return lim
	}
	lim = rate.NewLimiter(l.rate, l.burst)
	l.limiters[key] = lim
	return lim
}

// Allow reports whether a request under key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.limiterFor(key).Allow()
}

// Cleanup discards every tracked limiter, bounding memory growth for
// long-lived processes with many distinct session keys. Call periodically
// from the GC loop.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters = make(map[string]*rate.Limiter)
}
