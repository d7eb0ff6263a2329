// Package backpressure implements the admission-side fairness controls
// consulted by the attention gate: per-(actor, space) token buckets,
// deficit round robin across spaces, and a per-topic circuit breaker
// (spec §4.6).
package backpressure

import (
	"sync"

	"golang.org/x/time/rate"
)

// TokenBuckets manages one rate.Limiter per (actor, space) pair. Each
// ADMIT decision consumes one token; when a pair has none left, the
// gate defers with reason "rate_limited" (spec §4.5 step 5).
type TokenBuckets struct {
	ratePerSecond float64
	burst         int

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewTokenBuckets creates a bucket manager. ratePerSecond and burst
// apply uniformly to every (actor, space) pair seen; per-pair buckets
// are created lazily on first use.
func NewTokenBuckets(ratePerSecond float64, burst int) *TokenBuckets {
	return &TokenBuckets{
		ratePerSecond: ratePerSecond,
		burst:         burst,
		buckets:       make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token for (actor, space) if available and reports
// whether the request may proceed.
func (t *TokenBuckets) Allow(actor, space string) bool {
	return t.limiterFor(actor, space).Allow()
}

func (t *TokenBuckets) limiterFor(actor, space string) *rate.Limiter {
	key := actor + "\x00" + space

	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.buckets[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(t.ratePerSecond), t.burst)
		t.buckets[key] = l
	}
	return l
}
