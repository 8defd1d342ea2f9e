// Package admission gates mediated calls before they reach the upstream:
// a per-caller token bucket and a capacity-bounded response cache. A cache
// hit is answered without consuming a token.
package admission

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter maintains one token bucket per caller scope. Buckets refill
// continuously at rate/per and are created lazily on first use.
type RateLimiter struct {
	mu      sync.RWMutex
	rate    int
	per     time.Duration
	buckets map[string]*rate.Limiter

	// now is swapped in tests to drive refill deterministically.
	now func() time.Time
}

// NewRateLimiter grants ratePerWindow tokens per window of length per.
func NewRateLimiter(ratePerWindow int, per time.Duration) *RateLimiter {
	return &RateLimiter{
		rate:    ratePerWindow,
		per:     per,
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

// Allow consumes one token from the scope's bucket, reporting whether the
// call may proceed. Each scope has its own bucket, so one caller exhausting
// its budget never blocks another.
func (r *RateLimiter) Allow(scope string) bool {
	return r.bucket(scope).AllowN(r.now(), 1)
}

func (r *RateLimiter) bucket(scope string) *rate.Limiter {
	r.mu.RLock()
	lim, ok := r.buckets[scope]
	r.mu.RUnlock()
	if ok {
		return lim
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, ok := r.buckets[scope]; ok {
		return lim
	}
	lim = rate.NewLimiter(r.limit(), r.rate)
	r.buckets[scope] = lim
	return lim
}

func (r *RateLimiter) limit() rate.Limit {
	return rate.Limit(float64(r.rate) / r.per.Seconds())
}

// UpdateLimits applies a new rate and window to all existing buckets and to
// buckets created afterwards. Callers already over the new budget are limited
// immediately.
func (r *RateLimiter) UpdateLimits(ratePerWindow int, per time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rate = ratePerWindow
	r.per = per
	for _, lim := range r.buckets {
		lim.SetLimit(r.limit())
		lim.SetBurst(ratePerWindow)
	}
}

// Limits returns the current rate and window.
func (r *RateLimiter) Limits() (ratePerWindow int, per time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rate, r.per
}
