package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/storage/memory"
	"github.com/vietddude/aiguard/internal/resilience/breaker"
	"github.com/vietddude/aiguard/internal/resilience/classify"
	"github.com/vietddude/aiguard/internal/resilience/retry"
	"github.com/vietddude/aiguard/internal/usage"
)

const goodOutput = "Led a team of five engineers delivering cloud migration projects on schedule."

var now = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	orch     *Orchestrator
	repo     *memory.UsageRepo
	breakers *breaker.Registry
}

func newFixture(t *testing.T, maxRetries int, brCfg breaker.Config) *fixture {
	t.Helper()
	clock := func() time.Time { return now }
	repo := memory.NewUsageRepo(memory.NewMemoryStorage())
	breakers := breaker.NewRegistry(brCfg, nil, breaker.WithClock(clock))

	rc := retry.AIProvider
	rc.MaxRetries = maxRetries
	rc.Sleep = func(context.Context, time.Duration) error { return nil }

	orch := New(
		usage.NewGate(repo, nil).WithClock(clock),
		usage.NewLedger(repo, usage.WithLedgerClock(clock)),
		breakers,
		WithRetry(rc),
		WithClock(clock),
	)
	return &fixture{orch: orch, repo: repo, breakers: breakers}
}

// scripted returns each response in turn, repeating the last one.
func scripted(calls *atomic.Int32, responses ...func() (*domain.Generation, error)) Call {
	return func(context.Context) (*domain.Generation, error) {
		i := int(calls.Add(1)) - 1
		if i >= len(responses) {
			i = len(responses) - 1
		}
		return responses[i]()
	}
}

func ok(content string) func() (*domain.Generation, error) {
	return func() (*domain.Generation, error) {
		return &domain.Generation{Content: content, Usage: domain.TokenUsage{PromptTokens: 1000, CompletionTokens: 500}}, nil
	}
}

func fail(err error) func() (*domain.Generation, error) {
	return func() (*domain.Generation, error) { return nil, err }
}

func records(t *testing.T, repo *memory.UsageRepo) []*domain.UsageRecord {
	t.Helper()
	recs, err := repo.ListSince(context.Background(), now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	return recs
}

func TestExecuteSuccessTracksUsage(t *testing.T) {
	f := newFixture(t, 2, breaker.DefaultConfig)
	var calls atomic.Int32

	res, err := f.orch.Execute(context.Background(), scripted(&calls, ok(goodOutput)), Options{
		Principal: "u1", Plan: domain.PlanFree, Model: "gpt-4", ValidateOutput: true,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Remaining != 9 || res.Attempts != 1 {
		t.Errorf("result = %+v", res)
	}

	recs := records(t, f.repo)
	if len(recs) != 1 || !recs[0].Success || recs[0].InputTokens != 1000 || recs[0].CostUSD <= 0 {
		t.Errorf("usage records = %+v", recs)
	}
}

func TestExecuteUsageLimitFailsFast(t *testing.T) {
	f := newFixture(t, 2, breaker.DefaultConfig)
	for i := 0; i < 10; i++ {
		_, _ = f.repo.Append(context.Background(), &domain.UsageRecord{PrincipalID: "u1", Timestamp: now})
	}
	var calls atomic.Int32

	_, err := f.orch.Execute(context.Background(), scripted(&calls, ok(goodOutput)), Options{Principal: "u1"})
	if classify.Classify(err) != domain.CategoryUsageLimitExceeded {
		t.Fatalf("err = %v, want USAGE_LIMIT_EXCEEDED", err)
	}
	if calls.Load() != 0 {
		t.Errorf("provider invoked %d times after quota rejection", calls.Load())
	}
	if n := len(records(t, f.repo)); n != 10 {
		t.Errorf("rejection should not be recorded, have %d records", n)
	}
}

func TestExecuteRetriesTransientErrors(t *testing.T) {
	f := newFixture(t, 2, breaker.DefaultConfig)
	var calls atomic.Int32
	overloaded := domain.NewError(domain.CategoryAIService, "server overloaded", nil).WithStatus(503)

	res, err := f.orch.Execute(context.Background(), scripted(&calls, fail(overloaded), ok(goodOutput)), Options{Principal: "u1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Attempts != 2 || calls.Load() != 2 {
		t.Errorf("attempts = %d, calls = %d, want 2", res.Attempts, calls.Load())
	}
}

func TestExecuteTimeout(t *testing.T) {
	f := newFixture(t, 0, breaker.DefaultConfig)
	hang := func(ctx context.Context) (*domain.Generation, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := f.orch.Execute(context.Background(), hang, Options{Principal: "u1", Timeout: 10 * time.Millisecond})
	var oe *OperationError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %v, want *OperationError", err)
	}
	if classify.Classify(err) != domain.CategoryTimeout || !classify.IsRetryable(err) {
		t.Errorf("timeout classified as %s", classify.Classify(err))
	}
	if oe.Principal != "u1" || oe.OperationType != domain.OpGenerate || oe.Attempts != 1 {
		t.Errorf("operation context = %+v", oe)
	}

	recs := records(t, f.repo)
	if len(recs) != 1 || recs[0].Success || recs[0].TotalTokens() != 0 || recs[0].ErrorSummary == "" {
		t.Errorf("failure record = %+v", recs)
	}
}

func TestExecuteQualityRetry(t *testing.T) {
	f := newFixture(t, 0, breaker.DefaultConfig)
	var calls atomic.Int32

	res, err := f.orch.Execute(context.Background(),
		scripted(&calls, ok("xxxxxxxxxxxxxxxxxxxxxxxx"), ok(goodOutput)),
		Options{Principal: "u1", ValidateOutput: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Generation.Content != goodOutput || calls.Load() != 2 {
		t.Errorf("content = %q after %d calls", res.Generation.Content, calls.Load())
	}
	// both generations were billed
	if recs := records(t, f.repo); len(recs) != 1 || recs[0].InputTokens != 2000 {
		t.Errorf("usage records = %+v", recs)
	}
}

func TestExecuteQualityBudgetExhausted(t *testing.T) {
	f := newFixture(t, 2, breaker.DefaultConfig)
	var calls atomic.Int32

	_, err := f.orch.Execute(context.Background(), scripted(&calls, ok("?!")), Options{Principal: "u1", ValidateOutput: true})
	if classify.Classify(err) != domain.CategoryQualityFailure {
		t.Fatalf("err = %v, want QUALITY_FAILURE", err)
	}
	if calls.Load() != 1+DefaultQualityRetries {
		t.Errorf("calls = %d, want %d", calls.Load(), 1+DefaultQualityRetries)
	}
	if st := f.breakers.Get(DefaultBreaker).State(); st.State != domain.BreakerClosed || st.FailureCount != 0 {
		t.Errorf("quality failures must not trip the breaker: %+v", st)
	}
}

func TestExecuteAttachesHallucinationWarnings(t *testing.T) {
	f := newFixture(t, 0, breaker.DefaultConfig)
	var calls atomic.Int32
	out := "Worked at [Company Name] leading the platform team and shipping many features."

	res, err := f.orch.Execute(context.Background(), scripted(&calls, ok(out)), Options{
		Principal: "u1", ValidateOutput: true, DetectHallucination: true,
		SourceData: `{"experience":[{"company":"Globex"}]}`,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Type != domain.HallucinationFakeCompany {
		t.Errorf("warnings = %+v", res.Warnings)
	}
}

func TestExecuteOpenBreakerSkipsProvider(t *testing.T) {
	f := newFixture(t, 2, breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute})
	var calls atomic.Int32
	down := domain.NewError(domain.CategoryAIService, "bad gateway", nil).WithStatus(502)
	call := scripted(&calls, fail(down))

	if _, err := f.orch.Execute(context.Background(), call, Options{Principal: "u1"}); err == nil {
		t.Fatal("expected failure")
	}
	if calls.Load() != 1 {
		t.Errorf("provider called %d times; the open circuit should stop retries", calls.Load())
	}

	_, err := f.orch.Execute(context.Background(), call, Options{Principal: "u1"})
	if !errors.Is(err, breaker.ErrOpen) {
		t.Errorf("err = %v, want circuit open", err)
	}
	if calls.Load() != 1 {
		t.Errorf("provider invoked while circuit open")
	}
}

func TestExecuteCallerCancellationLeavesBreakerClosed(t *testing.T) {
	f := newFixture(t, 2, breaker.Config{FailureThreshold: 5, SuccessThreshold: 1, Cooldown: time.Minute})
	var calls atomic.Int32
	call := func(ctx context.Context) (*domain.Generation, error) {
		calls.Add(1)
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := f.orch.Execute(ctx, call, Options{Principal: "u1", Plan: domain.PlanPro})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("request %d: err = %v, want context.Canceled", i+1, err)
		}
	}
	if n := calls.Load(); n > 5 {
		t.Errorf("provider called %d times, want at most one attempt per cancelled request", n)
	}
	st := f.breakers.Get(DefaultBreaker).State()
	if st.State != domain.BreakerClosed || st.FailureCount != 0 {
		t.Errorf("breaker = %+v after caller cancellations, want CLOSED with zero failures", st)
	}

	// other principals still reach the provider
	res, err := f.orch.Execute(context.Background(), scripted(&calls, ok(goodOutput)), Options{Principal: "u2"})
	if err != nil || !res.Success {
		t.Errorf("Execute after cancellations = %+v, %v", res, err)
	}
}

func TestCapture(t *testing.T) {
	oe := &OperationError{
		Principal:     "u1",
		OperationType: domain.OpTailor,
		Elapsed:       3 * time.Second,
		Attempts:      3,
		Err:           domain.NewError(domain.CategoryAIService, "overloaded", nil),
	}
	op, captured := Capture(oe, "resume-1", map[string]string{"prompt": "p"})
	if !captured || op.PrincipalID != "u1" || op.OperationType != domain.OpTailor || op.AttemptCount != 3 || op.SubjectID != "resume-1" {
		t.Errorf("Capture = %+v, %v", op, captured)
	}

	oe.Err = domain.NewError(domain.CategoryValidation, "prompt empty", nil)
	if _, captured := Capture(oe, "", nil); captured {
		t.Error("validation failures should not be captured")
	}
	if _, captured := Capture(errors.New("plain"), "", nil); captured {
		t.Error("errors without operation context should not be captured")
	}
}
