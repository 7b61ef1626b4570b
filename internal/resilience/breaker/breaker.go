// Package breaker implements a per-dependency circuit breaker.
//
// A breaker moves CLOSED -> OPEN after FailureThreshold consecutive failures,
// OPEN -> HALF_OPEN lazily on the first call after the cool-down, and
// HALF_OPEN -> CLOSED after SuccessThreshold consecutive successes. Any failure
// in HALF_OPEN reopens the circuit. There is no background timer.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/metrics"
	"github.com/vietddude/aiguard/internal/resilience/classify"
)

// ErrOpen is matched by every OpenError via errors.Is.
var ErrOpen = errors.New("circuit open")

// OpenError is returned while the circuit rejects calls.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: circuit open, retry after %ds", e.Name, int(math.Ceil(e.RetryAfter.Seconds())))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Unwrap exposes the tagged form so classifiers see CIRCUIT_OPEN.
func (e *OpenError) Unwrap() error {
	de := domain.NewError(domain.CategoryCircuitOpen, "circuit open", nil)
	de.RetryAfter = e.RetryAfter
	return de
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// DefaultConfig is used for dependencies without explicit settings.
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Cooldown:         60 * time.Second,
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultConfig.Cooldown
	}
	return c
}

// Option customizes a breaker.
type Option func(*Breaker)

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(b *Breaker) { b.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(b *Breaker) { b.log = log }
}

// WithCounts overrides which failures trip the breaker.
func WithCounts(counts func(error) bool) Option {
	return func(b *Breaker) { b.counts = counts }
}

// Breaker guards one dependency. It is safe for concurrent use.
type Breaker struct {
	name   string
	cfg    Config
	clock  func() time.Time
	counts func(error) bool
	log    *slog.Logger

	mu    sync.Mutex
	state domain.CircuitState
}

// New creates a CLOSED breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg.withDefaults(),
		clock:  time.Now,
		counts: defaultCounts,
		log:    slog.Default(),
		state:  domain.CircuitState{Name: name, State: domain.BreakerClosed},
	}
	for _, opt := range opts {
		opt(b)
	}
	metrics.BreakerState.WithLabelValues(name).Set(0)
	return b
}

// defaultCounts trips on infrastructure failures only; caller mistakes and
// caller cancellations pass through.
func defaultCounts(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch classify.Classify(err) {
	case domain.CategoryValidation, domain.CategoryAuthentication, domain.CategoryUsageLimitExceeded:
		return false
	}
	return true
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn if the circuit allows it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		// the outcome says nothing about the dependency
		return err
	}
	b.record(err)
	return err
}

// allow decides admission and performs the lazy OPEN -> HALF_OPEN move.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state.State != domain.BreakerOpen {
		return nil
	}
	now := b.clock()
	if now.Before(b.state.NextAttemptTime) {
		return &OpenError{Name: b.name, RetryAfter: b.state.NextAttemptTime.Sub(now)}
	}
	b.transitionLocked(domain.BreakerHalfOpen)
	b.state.SuccessCount = 0
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.counts(err) {
		if err == nil {
			b.onSuccessLocked()
		}
		return
	}
	b.onFailureLocked()
}

func (b *Breaker) onSuccessLocked() {
	switch b.state.State {
	case domain.BreakerHalfOpen:
		b.state.SuccessCount++
		if b.state.SuccessCount >= b.cfg.SuccessThreshold {
			b.transitionLocked(domain.BreakerClosed)
			b.state.FailureCount = 0
			b.state.SuccessCount = 0
			b.state.NextAttemptTime = time.Time{}
		}
	case domain.BreakerClosed:
		b.state.FailureCount = 0
	}
}

func (b *Breaker) onFailureLocked() {
	now := b.clock()
	b.state.LastFailureTime = now
	b.state.FailureCount++

	switch b.state.State {
	case domain.BreakerHalfOpen:
		b.openLocked(now)
	case domain.BreakerClosed:
		if b.state.FailureCount >= b.cfg.FailureThreshold {
			b.openLocked(now)
		}
	case domain.BreakerOpen:
		// a call admitted before another goroutine reopened the circuit
		b.state.NextAttemptTime = now.Add(b.cfg.Cooldown)
	}
}

func (b *Breaker) openLocked(now time.Time) {
	b.transitionLocked(domain.BreakerOpen)
	b.state.SuccessCount = 0
	b.state.NextAttemptTime = now.Add(b.cfg.Cooldown)
	b.log.Warn("Circuit opened",
		"breaker", b.name,
		"failures", b.state.FailureCount,
		"retry_at", b.state.NextAttemptTime.Format(time.RFC3339),
	)
}

func (b *Breaker) transitionLocked(to domain.BreakerState) {
	from := b.state.State
	if from == to {
		return
	}
	b.state.State = to
	metrics.BreakerTransitions.WithLabelValues(b.name, string(from), string(to)).Inc()
	metrics.BreakerState.WithLabelValues(b.name).Set(stateValue(to))
	if to != domain.BreakerOpen {
		b.log.Info("Circuit state changed", "breaker", b.name, "from", from, "to", to)
	}
}

func stateValue(s domain.BreakerState) float64 {
	switch s {
	case domain.BreakerHalfOpen:
		return 1
	case domain.BreakerOpen:
		return 2
	}
	return 0
}

// State returns a snapshot of the breaker.
func (b *Breaker) State() domain.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(domain.BreakerClosed)
	b.state = domain.CircuitState{Name: b.name, State: domain.BreakerClosed}
}
