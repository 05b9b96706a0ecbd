package governance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

func TestCalculateBackoffGrowsAndCaps(t *testing.T) {
	bp := NewBackoffPolicy(BackoffConfig{
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        70 * time.Millisecond,
		BackoffMultiplier: 2,
	})
	assert.Equal(t, 10*time.Millisecond, bp.CalculateBackoff(0))
	assert.Equal(t, 20*time.Millisecond, bp.CalculateBackoff(1))
	assert.Equal(t, 40*time.Millisecond, bp.CalculateBackoff(2))
	assert.Equal(t, 70*time.Millisecond, bp.CalculateBackoff(3))
	assert.Equal(t, 70*time.Millisecond, bp.CalculateBackoff(500), "overflow is capped")
}

func TestJitterStaysWithinQuarter(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		initial := time.Duration(rapid.IntRange(1, 1000).Draw(rt, "initial")) * time.Millisecond
		attempt := rapid.IntRange(0, 20).Draw(rt, "attempt")
		bp := NewBackoffPolicy(BackoffConfig{InitialBackoff: initial, MaxBackoff: time.Second, BackoffMultiplier: 1.5, Jitter: true})
		noJitter := NewBackoffPolicy(BackoffConfig{InitialBackoff: initial, MaxBackoff: time.Second, BackoffMultiplier: 1.5})

		base := noJitter.CalculateBackoff(attempt)
		got := bp.CalculateBackoff(attempt)
		if got < base || got > base+base/4 {
			rt.Fatalf("backoff %v outside [%v, %v]", got, base, base+base/4)
		}
	})
}

func TestNewBackoffPolicyDefaults(t *testing.T) {
	cfg := NewBackoffPolicy(BackoffConfig{}).Config()
	assert.Equal(t, DefaultBackoffConfig().InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, DefaultBackoffConfig().MaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffMultiplier)

	assert.NoError(t, DefaultBackoffConfig().Validate())
	assert.Error(t, BackoffConfig{InitialBackoff: time.Second, MaxBackoff: time.Millisecond, BackoffMultiplier: 2}.Validate())
	assert.Error(t, BackoffConfig{InitialBackoff: time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 0.5}.Validate())
}

func TestWaitReturnsOnWake(t *testing.T) {
	bp := NewBackoffPolicy(BackoffConfig{InitialBackoff: time.Hour, MaxBackoff: time.Hour, BackoffMultiplier: 1})
	wake := make(chan struct{})
	close(wake)

	start := time.Now()
	require.NoError(t, bp.Wait(context.Background(), 0, wake))
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, bp.Wait(ctx, 0, nil), context.Canceled)
}

func TestIsBackpressure(t *testing.T) {
	assert.True(t, IsBackpressure(fmt.Errorf("acquire: %w", &domain.ResourceExhaustedError{Resource: "cpu"})))
	assert.False(t, IsBackpressure(errors.New("docker: no such image")))
	assert.False(t, IsBackpressure(nil))
}

func TestRateLimiterPerClass(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(map[string]RateLimiterConfig{
		"docker": {LaunchesPerSecond: 1, BurstSize: 2},
	}, WithLimiterClock(func() time.Time { return now }))

	assert.True(t, rl.Allow("docker"))
	assert.True(t, rl.Allow("docker"))
	assert.False(t, rl.Allow("docker"), "burst exhausted")

	for range 10 {
		assert.True(t, rl.Allow("standard"), "unconfigured classes are not limited")
	}

	now = now.Add(1500 * time.Millisecond)
	stats := rl.Stats()
	require.Contains(t, stats, "docker")
	assert.Equal(t, 2, stats["docker"].BurstSize)
	assert.InDelta(t, 1.5, stats["docker"].Available, 1e-9)
	assert.True(t, rl.Allow("docker"))
	assert.False(t, rl.Allow("docker"))

	// raising the burst grants the extra tokens right away
	rl.Configure(map[string]RateLimiterConfig{"docker": {LaunchesPerSecond: 1, BurstSize: 4}})
	assert.InDelta(t, 2.5, rl.Stats()["docker"].Available, 1e-9)
	assert.True(t, rl.Allow("docker"))

	rl.Configure(nil)
	assert.True(t, rl.Allow("docker"))
	assert.Empty(t, rl.Stats())
}

func TestRateLimiterBurstDefaultsToRate(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimiterConfig{"standard": {LaunchesPerSecond: 3}})
	assert.Equal(t, 3, rl.Stats()["standard"].BurstSize)

	rl = NewRateLimiter(map[string]RateLimiterConfig{"standard": {LaunchesPerSecond: 0, BurstSize: 5}})
	assert.Empty(t, rl.Stats())
}
