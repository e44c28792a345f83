package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxLimiters bounds the per-caller limiter map.
const maxLimiters = 10000

// RateLimiter throttles mutating requests per caller.
type RateLimiter struct {
	mu                sync.RWMutex
	limiters          map[string]*rate.Limiter
	requestsPerSecond float64
	burstSize         int
}

// NewRateLimiter creates a limiter allowing rps sustained requests with
// bursts of burst per caller.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 10
	}
	return &RateLimiter{
		limiters:          make(map[string]*rate.Limiter),
		requestsPerSecond: rps,
		burstSize:         burst,
	}
}

// Limit returns the sustained rate.
func (rl *RateLimiter) Limit() float64 {
	return rl.requestsPerSecond
}

// Allow reports whether caller may make a request now.
func (rl *RateLimiter) Allow(caller string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.limiters) >= maxLimiters {
		rl.limiters = make(map[string]*rate.Limiter)
	}

	limiter, exists := rl.limiters[caller]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(rl.requestsPerSecond), rl.burstSize)
		rl.limiters[caller] = limiter
	}
	return limiter.Allow()
}
