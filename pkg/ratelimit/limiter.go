package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// MultiLimiter manages multiple rate limiters for different services
type MultiLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter creates a new multi-limiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// AddLimiter adds a new rate limiter for a service
// requestsPerSecond: the rate limit (e.g., 10 means 10 requests per second)
// burst: maximum burst size
func (m *MultiLimiter) AddLimiter(name string, requestsPerSecond float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[name] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Wait blocks until the limiter allows an event
func (m *MultiLimiter) Wait(ctx context.Context, name string) error {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("limiter %s not found", name)
	}

	return limiter.Wait(ctx)
}

// Allow reports whether an event may happen now
func (m *MultiLimiter) Allow(name string) bool {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return false
	}

	return limiter.Allow()
}

// Has reports whether a limiter is registered under name
func (m *MultiLimiter) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.limiters[name]
	return ok
}

// Default rate limiter names
const (
	LimiterAnthropic = "anthropic"
	LimiterImageGen  = "imagegen"
	LimiterUnsplash  = "unsplash"
	LimiterInstagram = "instagram"
	LimiterRSS       = "rss"
)

// Limits holds per-service request budgets
type Limits struct {
	AnthropicPerMinute int
	ImageGenPerMinute  int
	UnsplashPerHour    int
	InstagramPerHour   int
}

// New creates a limiter from configured budgets. Zero values fall back to defaults.
func New(l Limits) *MultiLimiter {
	if l.AnthropicPerMinute <= 0 {
		l.AnthropicPerMinute = 10
	}
	if l.ImageGenPerMinute <= 0 {
		l.ImageGenPerMinute = 5
	}
	if l.UnsplashPerHour <= 0 {
		l.UnsplashPerHour = 50
	}
	if l.InstagramPerHour <= 0 {
		l.InstagramPerHour = 200
	}

	m := NewMultiLimiter()

	// Anthropic: burst 2
	m.AddLimiter(LimiterAnthropic, float64(l.AnthropicPerMinute)/60, 2)

	// Image generation is slow and expensive, no burst beyond 1
	m.AddLimiter(LimiterImageGen, float64(l.ImageGenPerMinute)/60, 1)

	// Unsplash demo apps get 50 requests per hour
	m.AddLimiter(LimiterUnsplash, float64(l.UnsplashPerHour)/3600, 5)

	// Instagram Graph API: 200 calls per hour per app user, burst 10
	m.AddLimiter(LimiterInstagram, float64(l.InstagramPerHour)/3600, 10)

	// RSS: No strict limit, but be polite - 1 per second, burst 10
	m.AddLimiter(LimiterRSS, 1, 10)

	return m
}

// NewDefaultLimiter creates a limiter with default rate limits
func NewDefaultLimiter() *MultiLimiter {
	return New(Limits{})
}

// NewUnlimited creates a limiter where every service is effectively unthrottled.
// Used by tests and the one-shot CLI.
func NewUnlimited() *MultiLimiter {
	m := NewMultiLimiter()
	for _, name := range []string{LimiterAnthropic, LimiterImageGen, LimiterUnsplash, LimiterInstagram, LimiterRSS} {
		m.AddLimiter(name, float64(rate.Inf), 1)
	}
	return m
}
