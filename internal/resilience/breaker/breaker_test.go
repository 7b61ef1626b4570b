package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/resilience/classify"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errUpstream = errors.New("upstream 503 service unavailable")

func failing(context.Context) error { return errUpstream }
func succeeding(context.Context) error { return nil }

func newTestBreaker(clock *fakeClock) *Breaker {
	return New("openai", Config{FailureThreshold: 5, SuccessThreshold: 2, Cooldown: time.Minute}, WithClock(clock.Now))
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := b.Execute(ctx, failing); !errors.Is(err, errUpstream) {
			t.Fatalf("call %d: got %v, want upstream error", i+1, err)
		}
	}
	if st := b.State(); st.State != domain.BreakerOpen {
		t.Fatalf("state = %s after 5 failures, want OPEN", st.State)
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("wrapped function invoked while circuit is open")
	}
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("got %v, want ErrOpen", err)
	}
	if got := classify.Classify(err); got != domain.CategoryCircuitOpen {
		t.Errorf("open error classified as %s, want CIRCUIT_OPEN", got)
	}
	if classify.IsRetryable(err) {
		t.Error("open error must not be retryable")
	}

	var oe *OpenError
	if !errors.As(err, &oe) || oe.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %v, want 1m", oe)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failing)
	}
	clock.Advance(time.Minute)

	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if st := b.State(); st.State != domain.BreakerHalfOpen {
		t.Fatalf("state = %s after one probe success, want HALF_OPEN", st.State)
	}
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	st := b.State()
	if st.State != domain.BreakerClosed || st.FailureCount != 0 {
		t.Errorf("state = %+v, want CLOSED with zero failures", st)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failing)
	}
	clock.Advance(61 * time.Second)

	if err := b.Execute(ctx, failing); !errors.Is(err, errUpstream) {
		t.Fatalf("probe should reach the dependency, got %v", err)
	}
	st := b.State()
	if st.State != domain.BreakerOpen {
		t.Fatalf("state = %s after probe failure, want OPEN", st.State)
	}
	if want := clock.Now().Add(time.Minute); !st.NextAttemptTime.Equal(want) {
		t.Errorf("NextAttemptTime = %v, want %v", st.NextAttemptTime, want)
	}
	if err := b.Execute(ctx, succeeding); !errors.Is(err, ErrOpen) {
		t.Errorf("got %v, want ErrOpen right after reopening", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failing)
	}
	_ = b.Execute(ctx, succeeding)
	for i := 0; i < 4; i++ {
		_ = b.Execute(ctx, failing)
	}
	if st := b.State(); st.State != domain.BreakerClosed {
		t.Errorf("state = %s, want CLOSED since failures were not consecutive", st.State)
	}
}

func TestBreakerIgnoresValidationErrors(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	bad := domain.NewError(domain.CategoryValidation, "prompt is required", nil)
	for i := 0; i < 10; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return bad })
	}
	if st := b.State(); st.State != domain.BreakerClosed || st.FailureCount != 0 {
		t.Errorf("state = %+v, validation errors must not count", st)
	}
}

func TestBreakerReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, failing)
	}
	b.Reset()
	if err := b.Execute(ctx, succeeding); err != nil {
		t.Errorf("call after reset: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := NewRegistry(DefaultConfig, DefaultSettings(), WithClock(clock.Now))
	ctx := context.Background()

	if r.Get("database") != r.Get("database") {
		t.Fatal("Get should return the same breaker for a name")
	}
	for i := 0; i < 3; i++ {
		_ = r.Get("database").Execute(ctx, failing)
	}
	_ = r.Get("openai").Execute(ctx, succeeding)

	if !r.AnyOpen() {
		t.Fatal("database breaker should be open after 3 failures")
	}
	states := r.States()
	if len(states) != 2 || states[0].Name != "database" || states[1].Name != "openai" {
		t.Fatalf("States() = %+v", states)
	}
	if !r.Reset("database") || r.AnyOpen() {
		t.Error("Reset(database) should close the circuit")
	}
	if r.Reset("missing") {
		t.Error("Reset of an unknown breaker should report false")
	}
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	b := newTestBreaker(clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 10; i++ {
		if err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() }); !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: got %v, want context.Canceled", i+1, err)
		}
	}
	st := b.State()
	if st.State != domain.BreakerClosed || st.FailureCount != 0 {
		t.Errorf("state = %+v after caller cancellations, want CLOSED with zero failures", st)
	}
}

func TestDefaultCounts(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"upstream", errUpstream, true},
		{"validation", domain.NewError(domain.CategoryValidation, "prompt is required", nil), false},
		{"usage limit", domain.NewError(domain.CategoryUsageLimitExceeded, "limit reached", nil), false},
		{"cancelled", context.Canceled, false},
		// provider clients tag the transport error but keep the cause
		{"tagged cancel", domain.NewError(domain.CategoryNetwork, "openai request failed", context.Canceled), false},
		{"timeout", domain.NewError(domain.CategoryTimeout, "GENERATE timed out", context.DeadlineExceeded), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := defaultCounts(tt.err); got != tt.want {
				t.Errorf("defaultCounts(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
