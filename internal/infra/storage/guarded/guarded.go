// Package guarded wraps repositories with a circuit breaker and the store
// retry policy.
package guarded

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/storage"
	"github.com/vietddude/aiguard/internal/resilience/breaker"
	"github.com/vietddude/aiguard/internal/resilience/retry"
)

// storeCategories are the failures worth repeating against a store.
var storeCategories = []domain.Category{
	domain.CategoryDatabase,
	domain.CategoryNetwork,
	domain.CategoryTimeout,
}

// Guard runs store calls through one breaker with retries.
type Guard struct {
	breaker *breaker.Breaker
	retry   retry.Config
}

// New creates a guard. An empty RetryableCategories is narrowed to
// database, network and timeout failures.
func New(b *breaker.Breaker, cfg retry.Config) *Guard {
	if len(cfg.RetryableCategories) == 0 {
		cfg.RetryableCategories = storeCategories
	}
	return &Guard{breaker: b, retry: cfg}
}

// call executes fn. A storage.ErrNotFound is an answer, not an outage: it
// is returned to the caller without counting against the breaker.
func call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	return retry.Do(ctx, g.retry, func(ctx context.Context) (T, error) {
		var (
			out      T
			notFound error
		)
		err := g.breaker.Execute(ctx, func(ctx context.Context) error {
			v, err := fn(ctx)
			if errors.Is(err, storage.ErrNotFound) {
				notFound = err
				return nil
			}
			out = v
			return err
		})
		if notFound != nil {
			return out, notFound
		}
		return out, err
	})
}

func exec(ctx context.Context, g *Guard, fn func(ctx context.Context) error) error {
	_, err := call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// UsageRepo guards a storage.UsageRepository.
type UsageRepo struct {
	next  storage.UsageRepository
	guard *Guard
}

func NewUsageRepo(next storage.UsageRepository, g *Guard) *UsageRepo {
	return &UsageRepo{next: next, guard: g}
}

func (r *UsageRepo) Append(ctx context.Context, rec *domain.UsageRecord) (*domain.UsageRecord, error) {
	return call(ctx, r.guard, func(ctx context.Context) (*domain.UsageRecord, error) {
		return r.next.Append(ctx, rec)
	})
}

func (r *UsageRepo) CountSince(ctx context.Context, principalID string, since time.Time) (int, error) {
	return call(ctx, r.guard, func(ctx context.Context) (int, error) {
		return r.next.CountSince(ctx, principalID, since)
	})
}

func (r *UsageRepo) SumCostSince(ctx context.Context, principalID string, since time.Time) (float64, error) {
	return call(ctx, r.guard, func(ctx context.Context) (float64, error) {
		return r.next.SumCostSince(ctx, principalID, since)
	})
}

func (r *UsageRepo) ListSince(ctx context.Context, since time.Time) ([]*domain.UsageRecord, error) {
	return call(ctx, r.guard, func(ctx context.Context) ([]*domain.UsageRecord, error) {
		return r.next.ListSince(ctx, since)
	})
}

// DLQRepo guards a storage.DLQRepository.
type DLQRepo struct {
	next  storage.DLQRepository
	guard *Guard
}

func NewDLQRepo(next storage.DLQRepository, g *Guard) *DLQRepo {
	return &DLQRepo{next: next, guard: g}
}

func (r *DLQRepo) Create(ctx context.Context, entry *domain.DLQEntry) error {
	return exec(ctx, r.guard, func(ctx context.Context) error { return r.next.Create(ctx, entry) })
}

func (r *DLQRepo) Get(ctx context.Context, id string) (*domain.DLQEntry, error) {
	return call(ctx, r.guard, func(ctx context.Context) (*domain.DLQEntry, error) {
		return r.next.Get(ctx, id)
	})
}

func (r *DLQRepo) Update(ctx context.Context, entry *domain.DLQEntry) error {
	return exec(ctx, r.guard, func(ctx context.Context) error { return r.next.Update(ctx, entry) })
}

func (r *DLQRepo) ListByStatus(ctx context.Context, status domain.DLQStatus, limit int) ([]*domain.DLQEntry, error) {
	return call(ctx, r.guard, func(ctx context.Context) ([]*domain.DLQEntry, error) {
		return r.next.ListByStatus(ctx, status, limit)
	})
}

func (r *DLQRepo) CountByStatus(ctx context.Context) (map[domain.DLQStatus]int, error) {
	return call(ctx, r.guard, func(ctx context.Context) (map[domain.DLQStatus]int, error) {
		return r.next.CountByStatus(ctx)
	})
}

func (r *DLQRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return call(ctx, r.guard, func(ctx context.Context) (int, error) {
		return r.next.DeleteFinishedBefore(ctx, cutoff)
	})
}
