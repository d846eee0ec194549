package router

import (
	"context"
	"sync"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
)

// RateLimitConfig bounds capability calls per session. A zero
// RequestsPerMinute disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int
	// Burst is the bucket size; zero means RequestsPerMinute
	Burst int
}

// Enabled reports whether limiting is configured
func (c RateLimitConfig) Enabled() bool {
	return c.RequestsPerMinute > 0
}

// bucketTTL is how long an unused bucket is kept
const bucketTTL = 10 * time.Minute

// RateLimiter keeps one token bucket per key
type RateLimiter struct {
	config RateLimitConfig
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*tokenBucket
	lastPrune time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter; now may be nil to use time.Now
func NewRateLimiter(config RateLimitConfig, now func() time.Time) *RateLimiter {
	if config.Burst <= 0 {
		config.Burst = config.RequestsPerMinute
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		config:    config,
		now:       now,
		buckets:   make(map[string]*tokenBucket),
		lastPrune: now(),
	}
}

// Allow consumes one token for key and reports whether one was available
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneLocked(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: float64(l.config.Burst), lastRefill: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = min(b.tokens+elapsed*float64(l.config.RequestsPerMinute)/60.0, float64(l.config.Burst))
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Remaining returns the tokens left for key
func (l *RateLimiter) Remaining(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b.tokens
	}
	return float64(l.config.Burst)
}

// Reset forgets the bucket of key
func (l *RateLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// pruneLocked drops idle buckets at most once per TTL
func (l *RateLimiter) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < bucketTTL {
		return
	}
	l.lastPrune = now
	for key, b := range l.buckets {
		if now.Sub(b.lastRefill) > bucketTTL {
			delete(l.buckets, key)
		}
	}
}

// RateLimit rejects capability calls once a session's bucket is empty.
// List calls are not limited.
func RateLimit(limiter *RateLimiter) CallMiddleware {
	return func(next CallHandler) CallHandler {
		return func(ctx context.Context, inv *Invocation) (interface{}, error) {
			if !inv.List && !limiter.Allow(inv.SessionID) {
				return nil, mcperrors.RateLimited(inv.SessionID, limiter.config.RequestsPerMinute)
			}
			return next(ctx, inv)
		}
	}
}
