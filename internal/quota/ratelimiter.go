// Package quota limits how fast a single client may call the action
// endpoint.
package quota

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client key.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rpm requests per minute per
// client, with a burst of rpm. rpm <= 0 means unlimited.
func NewRateLimiter(rpm int) *RateLimiter {
	rl := &RateLimiter{buckets: make(map[string]*bucket)}
	if rpm > 0 {
		rl.limit = rate.Limit(float64(rpm) / 60.0)
		rl.burst = rpm
	} else {
		rl.limit = rate.Inf
	}
	return rl
}

// Unlimited reports whether the limiter lets everything through.
func (rl *RateLimiter) Unlimited() bool {
	return rl.limit == rate.Inf
}

func (rl *RateLimiter) get(key string, now time.Time) *bucket {
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	return b
}

// Allow reports whether a request from key may proceed, consuming a token
// if so.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.Unlimited() {
		return true
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.get(key, now).limiter.AllowN(now, 1)
}

// RetryAfter returns the whole seconds until key has a token again.
func (rl *RateLimiter) RetryAfter(key string) int {
	if rl.Unlimited() {
		return 0
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		return 0
	}
	tokens := b.limiter.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	return int(math.Ceil((1 - tokens) / float64(rl.limit)))
}

// Cleanup removes buckets for clients that haven't been seen recently.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
