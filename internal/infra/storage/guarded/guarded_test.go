package guarded

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/storage"
	"github.com/vietddude/aiguard/internal/infra/storage/memory"
	"github.com/vietddude/aiguard/internal/resilience/breaker"
	"github.com/vietddude/aiguard/internal/resilience/retry"
)

// flakyDLQ fails the first n calls of Create with a database error.
type flakyDLQ struct {
	*memory.DLQRepo
	failures int
	calls    int
}

func (f *flakyDLQ) Create(ctx context.Context, e *domain.DLQEntry) error {
	f.calls++
	if f.calls <= f.failures {
		return domain.NewError(domain.CategoryDatabase, "postgres: connection reset", nil)
	}
	return f.DLQRepo.Create(ctx, e)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newGuard(threshold int) (*Guard, *breaker.Breaker) {
	b := breaker.New("database", breaker.Config{FailureThreshold: threshold, SuccessThreshold: 1, Cooldown: time.Minute})
	cfg := retry.Store
	cfg.Sleep = noSleep
	return New(b, cfg), b
}

func TestDLQRepo_RetriesTransientFailures(t *testing.T) {
	g, b := newGuard(10)
	flaky := &flakyDLQ{DLQRepo: memory.NewDLQRepo(memory.NewMemoryStorage()), failures: 2}
	repo := NewDLQRepo(flaky, g)

	if err := repo.Create(context.Background(), &domain.DLQEntry{ID: "e1", Status: domain.DLQStatusPending}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("calls = %d, want 3", flaky.calls)
	}
	if got, err := repo.Get(context.Background(), "e1"); err != nil || got.ID != "e1" {
		t.Errorf("Get = %v, %v", got, err)
	}
	// the success reset the failure count
	if st := b.State(); st.State != domain.BreakerClosed || st.FailureCount != 0 {
		t.Errorf("breaker = %+v", st)
	}
}

func TestDLQRepo_NotFoundDoesNotTrip(t *testing.T) {
	g, b := newGuard(1)
	repo := NewDLQRepo(memory.NewDLQRepo(memory.NewMemoryStorage()), g)

	for i := 0; i < 3; i++ {
		if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("Get err = %v, want ErrNotFound", err)
		}
	}
	if st := b.State(); st.State != domain.BreakerClosed || st.FailureCount != 0 {
		t.Errorf("breaker = %+v, want untouched", st)
	}
}

func TestDLQRepo_OpenBreakerFailsFast(t *testing.T) {
	g, b := newGuard(2)
	flaky := &flakyDLQ{DLQRepo: memory.NewDLQRepo(memory.NewMemoryStorage()), failures: 100}
	repo := NewDLQRepo(flaky, g)

	err := repo.Create(context.Background(), &domain.DLQEntry{ID: "e1"})
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("err = %v, want circuit open", err)
	}
	// two failures open the circuit, the third attempt is rejected without a call
	if flaky.calls != 2 {
		t.Errorf("calls = %d, want 2", flaky.calls)
	}
	if b.State().State != domain.BreakerOpen {
		t.Errorf("state = %s", b.State().State)
	}
}

func TestUsageRepo_PassesThrough(t *testing.T) {
	g, _ := newGuard(5)
	repo := NewUsageRepo(memory.NewUsageRepo(memory.NewMemoryStorage()), g)
	now := time.Now().UTC()

	if _, err := repo.Append(context.Background(), &domain.UsageRecord{PrincipalID: "u1", CostUSD: 0.5, Success: true, Timestamp: now}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	n, err := repo.CountSince(context.Background(), "u1", now.Add(-time.Minute))
	if err != nil || n != 1 {
		t.Errorf("CountSince = %d, %v", n, err)
	}
	sum, err := repo.SumCostSince(context.Background(), "u1", now.Add(-time.Minute))
	if err != nil || sum != 0.5 {
		t.Errorf("SumCostSince = %v, %v", sum, err)
	}
}
