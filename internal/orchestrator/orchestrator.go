// Package orchestrator runs one generative call under the full protection
// stack: usage gate, deadline, circuit breaker, retries, quality checks and
// cost accounting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/dlq"
	"github.com/vietddude/aiguard/internal/metrics"
	"github.com/vietddude/aiguard/internal/quality"
	"github.com/vietddude/aiguard/internal/resilience/breaker"
	"github.com/vietddude/aiguard/internal/resilience/classify"
	"github.com/vietddude/aiguard/internal/resilience/retry"
	"github.com/vietddude/aiguard/internal/usage"
)

// DefaultBreaker guards the AI provider unless Options.Breaker says otherwise.
const DefaultBreaker = "openai"

// DefaultQualityRetries is the number of extra calls allowed for low-quality output.
const DefaultQualityRetries = 2

// DefaultTimeouts holds the per-operation deadline.
func DefaultTimeouts() map[domain.OperationType]time.Duration {
	return map[domain.OperationType]time.Duration{
		domain.OpGenerate:    60 * time.Second,
		domain.OpTailor:      120 * time.Second,
		domain.OpAnalyze:     60 * time.Second,
		domain.OpCoverLetter: 90 * time.Second,
		domain.OpPortfolio:   120 * time.Second,
	}
}

// Call is the protected provider invocation. It must be safe to repeat.
type Call func(ctx context.Context) (*domain.Generation, error)

// Options describe one invocation.
type Options struct {
	Principal     string
	Plan          domain.Plan
	OperationType domain.OperationType
	Model         string
	// Timeout overrides the per-operation default.
	Timeout time.Duration

	ValidateOutput      bool
	DetectHallucination bool
	// SourceData is the user's original material; placeholder tokens that
	// appear in it are not reported.
	SourceData string

	Breaker string
}

// Result is a successful invocation.
type Result struct {
	Success    bool                   `json:"success"`
	Generation *domain.Generation     `json:"result"`
	Warnings   []domain.Hallucination `json:"warnings,omitempty"`
	// Remaining is the principal's quota after this call, or -1 if unlimited.
	Remaining int `json:"remaining"`
	Attempts  int `json:"attempts"`
}

// OperationError attaches invocation context to the error that ended it.
type OperationError struct {
	Principal     string
	OperationType domain.OperationType
	Elapsed       time.Duration
	Attempts      int
	Err           error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s for %s failed after %d attempt(s) in %s: %v",
		e.OperationType, e.Principal, e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	gate     *usage.Gate
	ledger   *usage.Ledger
	breakers *breaker.Registry

	retry          retry.Config
	qualityRetries int
	qualityOpts    quality.Options
	screenOpts     quality.ScreenOptions
	timeouts       map[domain.OperationType]time.Duration

	clock func() time.Time
	log   *slog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRetry replaces the AI provider retry preset.
func WithRetry(cfg retry.Config) Option {
	return func(o *Orchestrator) { o.retry = cfg }
}

// WithQualityRetries sets the separate budget for low-quality output.
func WithQualityRetries(n int) Option {
	return func(o *Orchestrator) { o.qualityRetries = max(n, 0) }
}

// WithQualityOptions overrides the output rules.
func WithQualityOptions(opts quality.Options) Option {
	return func(o *Orchestrator) { o.qualityOpts = opts }
}

// WithScreenOptions overrides the hallucination checks.
func WithScreenOptions(opts quality.ScreenOptions) Option {
	return func(o *Orchestrator) { o.screenOpts = opts }
}

// WithTimeouts merges per-operation deadlines over the defaults.
func WithTimeouts(t map[domain.OperationType]time.Duration) Option {
	return func(o *Orchestrator) {
		for op, d := range t {
			if d > 0 {
				o.timeouts[op] = d
			}
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New wires an orchestrator.
func New(gate *usage.Gate, ledger *usage.Ledger, breakers *breaker.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gate:           gate,
		ledger:         ledger,
		breakers:       breakers,
		retry:          retry.AIProvider,
		qualityRetries: DefaultQualityRetries,
		qualityOpts:    quality.DefaultOptions,
		screenOpts:     quality.DefaultScreenOptions,
		timeouts:       DefaultTimeouts(),
		clock:          time.Now,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Timeout returns the deadline used for op.
func (o *Orchestrator) Timeout(op domain.OperationType) time.Duration {
	if d, ok := o.timeouts[op]; ok {
		return d
	}
	return o.timeouts[domain.OpGenerate]
}

// Execute runs call for the caller described by opts. A usage-limit rejection
// is returned as a bare *domain.Error; every other failure is an
// *OperationError wrapping the last error produced. DLQ capture is left to the
// caller, see Capture.
func (o *Orchestrator) Execute(ctx context.Context, call Call, opts Options) (*Result, error) {
	if opts.OperationType == "" {
		opts.OperationType = domain.OpGenerate
	}
	if opts.Plan == "" {
		opts.Plan = domain.PlanFree
	}
	if opts.Model == "" {
		opts.Model = o.ledger.Pricing().DefaultModel
	}
	if opts.Breaker == "" {
		opts.Breaker = DefaultBreaker
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = o.Timeout(opts.OperationType)
	}

	start := o.clock()
	op := string(opts.OperationType)
	log := o.log.With("principal", opts.Principal, "operation", op)

	check, err := o.gate.CheckUsageLimit(ctx, opts.Principal, opts.Plan)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues(op, "error").Inc()
		return nil, &OperationError{Principal: opts.Principal, OperationType: opts.OperationType, Elapsed: o.clock().Sub(start), Err: err}
	}
	if !check.Allowed {
		metrics.OperationsTotal.WithLabelValues(op, "rejected").Inc()
		log.Info("Usage limit reached", "usage", check.Usage, "limit", check.Limit)
		return nil, usage.LimitError(check)
	}

	br := o.breakers.Get(opts.Breaker)
	var (
		attempts int
		tokens   domain.TokenUsage
	)
	guarded := func(ctx context.Context) (*domain.Generation, error) {
		attempts++
		var gen *domain.Generation
		err := br.Execute(ctx, func(ctx context.Context) error {
			g, err := withDeadline(ctx, timeout, opts.OperationType, call)
			gen = g
			return err
		})
		if gen != nil {
			tokens.PromptTokens += gen.Usage.PromptTokens
			tokens.CompletionTokens += gen.Usage.CompletionTokens
		}
		return gen, err
	}

	var (
		gen      *domain.Generation
		warnings []domain.Hallucination
	)
	for qAttempt := 0; ; qAttempt++ {
		gen, err = retry.Do(ctx, o.retry, guarded)
		if err != nil {
			break
		}

		if opts.ValidateOutput {
			verdict := quality.ValidateOutput(gen.Content, o.qualityOpts)
			if !verdict.Valid {
				metrics.QualityFailures.WithLabelValues(op).Inc()
				if qAttempt < o.qualityRetries {
					log.Warn("Output quality issues, regenerating", "attempt", qAttempt+1, "issues", verdict.Issues)
					continue
				}
				err = domain.NewError(domain.CategoryQualityFailure,
					"LLM output quality too low: "+strings.Join(verdict.Issues, ", "), nil)
				break
			}
		}

		if opts.DetectHallucination && opts.SourceData != "" {
			screen := quality.DetectHallucinations(gen.Content, opts.SourceData, o.screenOpts)
			if screen.Detected {
				log.Warn("Hallucinations detected", "count", screen.Count)
				warnings = screen.Hallucinations
			}
		}
		break
	}

	elapsed := o.clock().Sub(start)
	metrics.OperationDuration.WithLabelValues(op).Observe(elapsed.Seconds())

	rec := domain.UsageRecord{
		PrincipalID:   opts.Principal,
		OperationType: opts.OperationType,
		Model:         opts.Model,
		InputTokens:   tokens.PromptTokens,
		OutputTokens:  tokens.CompletionTokens,
		Success:       err == nil,
	}
	if err != nil {
		rec.ErrorSummary = err.Error()
	}
	if _, trackErr := o.ledger.TrackUsage(ctx, rec); trackErr != nil {
		log.Error("Failed to track usage", "err", trackErr)
	}

	if err != nil {
		metrics.OperationsTotal.WithLabelValues(op, "failure").Inc()
		log.Error("AI operation failed", "attempts", attempts, "elapsed", elapsed, "err", err)
		return nil, &OperationError{
			Principal:     opts.Principal,
			OperationType: opts.OperationType,
			Elapsed:       elapsed,
			Attempts:      attempts,
			Err:           err,
		}
	}

	metrics.OperationsTotal.WithLabelValues(op, "success").Inc()
	remaining := domain.Unlimited
	if check.Remaining != domain.Unlimited {
		remaining = max(check.Remaining-1, 0)
	}
	return &Result{
		Success:    true,
		Generation: gen,
		Warnings:   warnings,
		Remaining:  remaining,
		Attempts:   attempts,
	}, nil
}

// withDeadline abandons call once d elapses. The call's context is cancelled
// and its eventual result is dropped.
func withDeadline(ctx context.Context, d time.Duration, op domain.OperationType, call Call) (*domain.Generation, error) {
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		gen *domain.Generation
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		gen, err := call(cctx)
		if err == nil && gen == nil {
			err = domain.NewError(domain.CategoryAIService, "provider returned no result", nil)
		}
		done <- outcome{gen, err}
	}()

	select {
	case out := <-done:
		return out.gen, out.err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg := fmt.Sprintf("%s timed out after %s. Please try again.", op, d)
		return nil, domain.NewError(domain.CategoryTimeout, msg, context.DeadlineExceeded)
	}
}

// Capture converts a failed Execute into a DLQ operation. It reports false
// for errors that should not be queued: usage-limit rejections and
// non-retryable input errors.
func Capture(err error, subjectID string, payload any) (dlq.Operation, bool) {
	var oe *OperationError
	if !errors.As(err, &oe) {
		return dlq.Operation{}, false
	}
	switch classify.Classify(oe.Err) {
	case domain.CategoryValidation, domain.CategoryAuthentication, domain.CategoryUsageLimitExceeded:
		return dlq.Operation{}, false
	}
	return dlq.Operation{
		PrincipalID:   oe.Principal,
		SubjectID:     subjectID,
		OperationType: oe.OperationType,
		Payload:       payload,
		Err:           oe.Err,
		Elapsed:       oe.Elapsed,
		AttemptCount:  oe.Attempts,
	}, true
}
