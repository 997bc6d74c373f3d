package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxLimiterEntries bounds the per-caller limiter map. When full, the map
// is reset wholesale; a briefly generous limiter beats unbounded growth.
const maxLimiterEntries = 4096

// RateLimiter enforces a per-caller request rate. A zero or negative rate
// disables limiting.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter allowing rps requests per second per
// caller with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 5
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is active.
func (rl *RateLimiter) Enabled() bool { return rl.rps > 0 }

// Allow reports whether key may make a request now.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.Enabled() {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= maxLimiterEntries {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = lim
	}
	return lim.Allow()
}
