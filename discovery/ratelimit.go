package discovery

import (
	"sync"
	"time"
)

// RateLimiter enforces the DoS guard from spec §4.4: "discovery
// listeners must rate-limit responses to any one source address (e.g.
// at most one response per source per 100 ms)". It is a single-bucket
// generalization of a sliding-window request counter down to a single
// bucket: a discovery listener only needs "did this source already get
// a response within the last window", so this keeps just the
// last-allowed timestamp per source instead of a full bucket histogram.
type RateLimiter struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewRateLimiter creates a limiter allowing at most one Allow per source
// per window.
func NewRateLimiter(window time.Duration) *RateLimiter {
	return &RateLimiter{window: window, last: make(map[string]time.Time)}
}

// Allow reports whether source may receive a response now. When it
// allows, it records now as the source's last response time, so the
// caller doesn't need a separate Record call; a denied attempt is not
// recorded.
func (r *RateLimiter) Allow(source string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.last[source]; ok && now.Sub(t) < r.window {
		return false
	}
	r.last[source] = now

	// Bound memory growth: drop sources that have gone quiet on touch,
	// rather than running a separate sweep goroutine.
	if len(r.last) > 4096 {
		for src, t := range r.last {
			if now.Sub(t) > 64*r.window {
				delete(r.last, src)
			}
		}
	}
	return true
}
