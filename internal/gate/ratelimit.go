package gate

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyTabsCreate is the limiter key consulted before a provisioning batch.
const KeyTabsCreate = "tabs.create"

// RateLimiter hands out one token bucket per operation key, sized to
// Limit events per Window. A zero Limit allows everything.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RateLimiter{limit: limit, window: window, buckets: map[string]*rate.Limiter{}}
}

// Allow consumes one event for key and reports whether it fits the window.
func (r *RateLimiter) Allow(key string) bool {
	if r == nil {
		return true
	}
	b := r.bucket(key)
	return b == nil || b.Allow()
}

// Reconfigure swaps limits at runtime. Existing buckets restart full.
func (r *RateLimiter) Reconfigure(limit int, window time.Duration) {
	if window <= 0 {
		window = time.Minute
	}
	r.mu.Lock()
	r.limit = limit
	r.window = window
	r.buckets = map[string]*rate.Limiter{}
	r.mu.Unlock()
}

// bucket returns nil when limiting is off.
func (r *RateLimiter) bucket(key string) *rate.Limiter {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit <= 0 {
		return nil
	}
	b := r.buckets[key]
	if b == nil {
		every := r.window / time.Duration(r.limit)
		b = rate.NewLimiter(rate.Every(every), r.limit)
		r.buckets[key] = b
	}
	return b
}
