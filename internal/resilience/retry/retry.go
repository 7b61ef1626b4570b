// Package retry re-invokes idempotent operations with jittered exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/metrics"
	"github.com/vietddude/aiguard/internal/resilience/backoff"
	"github.com/vietddude/aiguard/internal/resilience/classify"
)

// Config defines retry behavior for one call site.
type Config struct {
	MaxRetries        int           `yaml:"max_retries"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`

	// RetryableCategories narrows retries to these categories. Empty means
	// every category the classifier marks retryable.
	RetryableCategories []domain.Category `yaml:"retryable_categories"`

	// OnRetry is invoked before each backoff sleep.
	OnRetry func(domain.RetryAttempt) `yaml:"-"`
	// Sleep waits for d or until ctx is done. Defaults to a timer select.
	Sleep func(ctx context.Context, d time.Duration) error `yaml:"-"`
	// Jitter overrides the backoff randomness source.
	Jitter func() float64 `yaml:"-"`
}

// AIProvider is tuned for slow, rate-limited model APIs.
var AIProvider = Config{
	MaxRetries:        2,
	InitialDelay:      2 * time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2,
}

// Store is tuned for database writes and reads.
var Store = Config{
	MaxRetries:        3,
	InitialDelay:      100 * time.Millisecond,
	MaxDelay:          2 * time.Second,
	BackoffMultiplier: 2,
}

// Cache is tuned for redis calls where a miss is cheaper than waiting.
var Cache = Config{
	MaxRetries:        2,
	InitialDelay:      50 * time.Millisecond,
	MaxDelay:          500 * time.Millisecond,
	BackoffMultiplier: 2,
}

func (c Config) backoff() backoff.Config {
	return backoff.Config{
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.BackoffMultiplier,
		Jitter:       c.Jitter,
	}
}

// delay is the backoff for attempt, stretched to honor a provider's
// Retry-After but never beyond the jittered ceiling.
func (c Config) delay(attempt int, de *domain.Error) time.Duration {
	bc := c.backoff()
	d := backoff.ComputeDelay(attempt, bc)
	if de.RetryAfter > d {
		d = min(de.RetryAfter, backoff.Ceiling(bc))
	}
	return d
}

func (c Config) shouldRetry(de *domain.Error) bool {
	if !de.Retryable {
		return false
	}
	if len(c.RetryableCategories) == 0 {
		return true
	}
	return slices.Contains(c.RetryableCategories, de.Category)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the retry
// budget is spent. The error returned is always the last error fn produced.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		if ctx.Err() != nil {
			return result, err
		}
		de := classify.Normalize(err)
		if !cfg.shouldRetry(de) || attempt >= cfg.MaxRetries {
			return result, err
		}

		delay := cfg.delay(attempt, de)
		metrics.RetryAttempts.WithLabelValues(string(de.Category)).Inc()
		slog.Debug("Retrying after failure",
			"attempt", attempt+1,
			"max_retries", cfg.MaxRetries,
			"category", de.Category,
			"delay", delay,
			"err", err,
		)
		if cfg.OnRetry != nil {
			cfg.OnRetry(domain.RetryAttempt{
				Attempt:   attempt + 1,
				Err:       err,
				Category:  de.Category,
				NextDelay: delay,
			})
		}

		if sleepErr := sleep(ctx, delay); sleepErr != nil {
			// keep the root cause; the caller can inspect ctx itself
			slog.Debug("Retry aborted", "attempt", attempt+1, "reason", sleepErr)
			return result, err
		}
	}
}

// DoErr is Do for operations that return only an error.
func DoErr(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
