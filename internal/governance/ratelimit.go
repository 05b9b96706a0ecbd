package governance

import (
	"sync"
	"time"
)

// RateLimiterConfig defines the launch rate of one container class. A
// non-positive LaunchesPerSecond leaves the class unlimited; BurstSize
// defaults to LaunchesPerSecond.
type RateLimiterConfig struct {
	LaunchesPerSecond int
	BurstSize         int
}

// RateLimitStats is the state of one class's launch budget.
type RateLimitStats struct {
	LaunchesPerSecond int     `json:"launches_per_second"`
	BurstSize         int     `json:"burst_size"`
	Available         float64 `json:"available"`
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithLimiterClock replaces the clock used to refill launch budgets.
func WithLimiterClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

// RateLimiter paces container launches with one token bucket per class.
type RateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]*bucket
}

type bucket struct {
	rate   float64
	burst  float64
	tokens float64
	at     time.Time
}

// NewRateLimiter creates a limiter with the given per-class launch rates.
func NewRateLimiter(config map[string]RateLimiterConfig, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{now: time.Now, buckets: make(map[string]*bucket)}
	for _, opt := range opts {
		opt(rl)
	}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-class rates. Buckets of classes that stay
// limited keep their tokens, topped up by any burst increase.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	next := make(map[string]*bucket, len(config))
	for class, cfg := range config {
		if cfg.LaunchesPerSecond <= 0 {
			continue
		}
		burst := cfg.BurstSize
		if burst <= 0 {
			burst = cfg.LaunchesPerSecond
		}

		b, ok := rl.buckets[class]
		if !ok {
			next[class] = &bucket{rate: float64(cfg.LaunchesPerSecond), burst: float64(burst), tokens: float64(burst), at: now}
			continue
		}
		b.refill(now)
		if grown := float64(burst) - b.burst; grown > 0 {
			b.tokens += grown
		}
		b.rate, b.burst = float64(cfg.LaunchesPerSecond), float64(burst)
		b.tokens = min(b.tokens, b.burst)
		next[class] = b
	}
	rl.buckets = next
}

// Allow takes one launch token for class and reports whether one was
// available. Unlimited classes always succeed.
func (rl *RateLimiter) Allow(class string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[class]
	if !ok {
		return true
	}
	b.refill(rl.now())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Stats returns the launch budget of every limited class.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for class, b := range rl.buckets {
		b.refill(now)
		stats[class] = RateLimitStats{
			LaunchesPerSecond: int(b.rate),
			BurstSize:         int(b.burst),
			Available:         b.tokens,
		}
	}
	return stats
}

func (b *bucket) refill(now time.Time) {
	if elapsed := now.Sub(b.at).Seconds(); elapsed > 0 {
		b.tokens = min(b.burst, b.tokens+elapsed*b.rate)
	}
	b.at = now
}
