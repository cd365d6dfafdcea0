// Package ratelimit tracks per-tenant request and token budgets and
// reports them in the shape of rate_limits.updated events.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/antoniostano/rtvoice/internal/protocol"
)

// Limits are per-minute budgets.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int
}

type bucket struct {
	requests *rate.Limiter
	tokens   *rate.Limiter
	limits   Limits
}

// Limiter keeps one pair of token buckets per tenant.
type Limiter struct {
	mu       sync.Mutex
	defaults Limits
	buckets  map[string]*bucket
	now      func() time.Time
}

// New returns a limiter that falls back to defaults for tenants without
// explicit limits.
func New(defaults Limits) *Limiter {
	return &Limiter{
		defaults: defaults,
		buckets:  make(map[string]*bucket),
		now:      time.Now,
	}
}

// Configure sets explicit limits for tenantID. Zero fields inherit defaults.
func (l *Limiter) Configure(tenantID string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[tenantID] = newBucket(l.withDefaults(limits))
}

// AllowRequest consumes one request from the tenant's budget.
func (l *Limiter) AllowRequest(tenantID string) bool {
	b := l.bucketFor(tenantID)
	return b.requests.AllowN(l.now(), 1)
}

// ConsumeTokens charges n tokens after a response. The tokens budget may go
// negative; the debt is repaid before the next AllowRequest sees tokens.
func (l *Limiter) ConsumeTokens(tenantID string, n int) {
	if n <= 0 {
		return
	}
	b := l.bucketFor(tenantID)
	now := l.now()
	burst := b.tokens.Burst()
	for n > 0 {
		step := n
		if step > burst {
			step = burst
		}
		b.tokens.ReserveN(now, step)
		n -= step
	}
}

// Snapshot reports remaining budget for tenantID.
func (l *Limiter) Snapshot(tenantID string) []protocol.RateLimit {
	b := l.bucketFor(tenantID)
	now := l.now()
	return []protocol.RateLimit{
		snapshot("requests", b.requests, b.limits.RequestsPerMinute, now),
		snapshot("tokens", b.tokens, b.limits.TokensPerMinute, now),
	}
}

func snapshot(name string, lim *rate.Limiter, perMinute int, now time.Time) protocol.RateLimit {
	available := lim.TokensAt(now)
	remaining := int(math.Floor(available))
	if remaining < 0 {
		remaining = 0
	}
	missing := float64(perMinute) - available
	reset := 0.0
	if missing > 0 && perMinute > 0 {
		reset = missing / (float64(perMinute) / 60)
	}
	return protocol.RateLimit{
		Name:         name,
		Limit:        perMinute,
		Remaining:    remaining,
		ResetSeconds: math.Round(reset*100) / 100,
	}
}

func (l *Limiter) bucketFor(tenantID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[tenantID]
	if !ok {
		b = newBucket(l.defaults)
		l.buckets[tenantID] = b
	}
	return b
}

func (l *Limiter) withDefaults(limits Limits) Limits {
	if limits.RequestsPerMinute <= 0 {
		limits.RequestsPerMinute = l.defaults.RequestsPerMinute
	}
	if limits.TokensPerMinute <= 0 {
		limits.TokensPerMinute = l.defaults.TokensPerMinute
	}
	return limits
}

func newBucket(limits Limits) *bucket {
	return &bucket{
		requests: rate.NewLimiter(perMinute(limits.RequestsPerMinute), max(limits.RequestsPerMinute, 1)),
		tokens:   rate.NewLimiter(perMinute(limits.TokensPerMinute), max(limits.TokensPerMinute, 1)),
		limits:   limits,
	}
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(n) / 60)
}
