package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/polisai/polis-pipeline/pkg/domain"
)

// BackoffConfig defines how long a node waits before asking the pool again
// after a ResourceExhausted answer.
type BackoffConfig struct {
	// InitialBackoff is the delay after the first refusal.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to prevent thundering herd.
	Jitter bool
}

// DefaultBackoffConfig returns sensible defaults for pool backpressure.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff:    50 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// BackoffPolicy computes retry delays for backpressure.
type BackoffPolicy struct {
	config BackoffConfig
}

// NewBackoffPolicy creates a policy, filling unset fields with defaults.
func NewBackoffPolicy(config BackoffConfig) *BackoffPolicy {
	def := DefaultBackoffConfig()
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	return &BackoffPolicy{config: config}
}

// Config returns a copy of the current configuration.
func (bp *BackoffPolicy) Config() BackoffConfig {
	return bp.config
}

// Validate checks a configuration before it is applied.
func (c BackoffConfig) Validate() error {
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive")
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max backoff must not be below initial backoff")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	return nil
}

// CalculateBackoff returns the delay before attempt number attempt+1.
func (bp *BackoffPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(bp.config.InitialBackoff) * math.Pow(bp.config.BackoffMultiplier, float64(attempt)))

	if backoff > bp.config.MaxBackoff || backoff <= 0 {
		backoff = bp.config.MaxBackoff
	}

	if bp.config.Jitter && backoff >= 4 {
		// Add random jitter of up to 25% of the backoff
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}

	return backoff
}

// Wait blocks for the backoff of the given attempt. It returns early, with a
// nil error, when wake fires; a release in the pool makes waiting pointless.
func (bp *BackoffPolicy) Wait(ctx context.Context, attempt int, wake <-chan struct{}) error {
	timer := time.NewTimer(bp.CalculateBackoff(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	}
}

// IsBackpressure reports whether err asks the caller to come back later
// rather than fail.
func IsBackpressure(err error) bool {
	var exhausted *domain.ResourceExhaustedError
	return errors.As(err, &exhausted)
}
