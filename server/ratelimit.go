package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long an unused per-identity limiter is kept.
const idleLimiterTTL = 10 * time.Minute

// rateLimiter keeps a token bucket per key.
type rateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     idleLimiterTTL,
		buckets: make(map[string]*bucket),
	}
}

func (r *rateLimiter) allow(key string) bool {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.buckets[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(r.limit, r.burst)}
		r.buckets[key] = b
	}
	b.lastSeen = now

	for k, v := range r.buckets {
		if now.Sub(v.lastSeen) > r.ttl {
			delete(r.buckets, k)
		}
	}
	return b.lim.AllowN(now, 1)
}
