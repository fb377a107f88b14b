package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterStaleThreshold  = 10 * time.Minute
)

// rateLimiter implements per-tenant rate limiting using
// golang.org/x/time/rate. Cleanup of stale entries happens inline
// during allow() calls.
type rateLimiter struct {
	mu          sync.Mutex
	tenants     map[string]*tenantBucket
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
}

// tenantBucket holds a rate limiter and last-seen time for one tenant.
type tenantBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter creates a rate limiter refilling r tokens per second
// with the given burst size (and initial allowance).
func newRateLimiter(r float64, burst int) *rateLimiter {
	return &rateLimiter{
		tenants:     make(map[string]*tenantBucket),
		limit:       rate.Limit(r),
		burst:       burst,
		lastCleanup: time.Now(),
	}
}

// allow checks if a request from the given tenant is allowed.
func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	if now.Sub(rl.lastCleanup) > rateLimiterCleanupInterval {
		for k, b := range rl.tenants {
			if now.Sub(b.lastSeen) > rateLimiterStaleThreshold {
				delete(rl.tenants, k)
			}
		}
		rl.lastCleanup = now
	}

	b, exists := rl.tenants[key]
	if !exists {
		limiter := rate.NewLimiter(rl.limit, rl.burst)
		rl.tenants[key] = &tenantBucket{
			limiter:  limiter,
			lastSeen: now,
		}
		limiter.Allow()
		return true
	}

	b.lastSeen = now
	return b.limiter.Allow()
}
