// Package backoff computes retry delays with exponential growth and jitter.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// JitterFraction is the maximum relative widening applied to a delay.
const JitterFraction = 0.3

// DefaultMaxDelay caps delays when Config.MaxDelay is unset.
const DefaultMaxDelay = 30 * time.Second

// Config holds the backoff parameters of one call site.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// Jitter returns a value in [0, 1). Defaults to math/rand/v2.
	Jitter func() float64
}

// Base returns min(initial * multiplier^attempt, max) without jitter. An
// unset MaxDelay means DefaultMaxDelay.
func Base(attempt int, cfg Config) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2
	}
	maxDelay := cfg.maxDelay()
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(delay)
}

// Ceiling is the largest delay ComputeDelay can return for cfg.
func Ceiling(cfg Config) time.Duration {
	return time.Duration(float64(cfg.maxDelay()) * (1 + JitterFraction))
}

func (c Config) maxDelay() time.Duration {
	if c.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return c.MaxDelay
}

// ComputeDelay returns the delay before retry number attempt (zero-indexed),
// widened by uniform jitter of ±30%. The result never exceeds MaxDelay*1.3.
func ComputeDelay(attempt int, cfg Config) time.Duration {
	base := Base(attempt, cfg)
	jitter := cfg.Jitter
	if jitter == nil {
		jitter = rand.Float64 //nolint:gosec // jitter doesn't need crypto-strength randomness
	}

	// map [0,1) onto [-1,1)
	spread := jitter()*2 - 1
	delay := float64(base) * (1 + spread*JitterFraction)
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
