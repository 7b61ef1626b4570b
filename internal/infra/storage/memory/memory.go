package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/storage"
)

type MemoryStorage struct {
	usage  []*domain.UsageRecord
	dlq    map[string]*domain.DLQEntry
	nextID int64
	mu     sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		dlq: make(map[string]*domain.DLQEntry),
	}
}

// Health always succeeds.
func (s *MemoryStorage) Health(context.Context) error { return nil }

// -----------------------------------------------------------------------------
// Usage Repository
// -----------------------------------------------------------------------------

type UsageRepo struct {
	store *MemoryStorage
}

func NewUsageRepo(store *MemoryStorage) *UsageRepo {
	return &UsageRepo{store: store}
}

func (r *UsageRepo) Append(ctx context.Context, rec *domain.UsageRecord) (*domain.UsageRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.nextID++
	cp := *rec
	cp.ID = r.store.nextID
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	r.store.usage = append(r.store.usage, &cp)

	out := cp
	return &out, nil
}

func (r *UsageRepo) CountSince(ctx context.Context, principalID string, since time.Time) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	n := 0
	for _, rec := range r.store.usage {
		if rec.PrincipalID == principalID && !rec.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (r *UsageRepo) SumCostSince(ctx context.Context, principalID string, since time.Time) (float64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var sum float64
	for _, rec := range r.store.usage {
		if rec.PrincipalID == principalID && !rec.Timestamp.Before(since) {
			sum += rec.CostUSD
		}
	}
	return sum, nil
}

func (r *UsageRepo) ListSince(ctx context.Context, since time.Time) ([]*domain.UsageRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.UsageRecord
	for _, rec := range r.store.usage {
		if !rec.Timestamp.Before(since) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// -----------------------------------------------------------------------------
// DLQ Repository
// -----------------------------------------------------------------------------

type DLQRepo struct {
	store *MemoryStorage
}

func NewDLQRepo(store *MemoryStorage) *DLQRepo {
	return &DLQRepo{store: store}
}

func (r *DLQRepo) Create(ctx context.Context, entry *domain.DLQEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.dlq[entry.ID] = cloneEntry(entry)
	return nil
}

func (r *DLQRepo) Get(ctx context.Context, id string) (*domain.DLQEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	e, ok := r.store.dlq[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEntry(e), nil
}

func (r *DLQRepo) Update(ctx context.Context, entry *domain.DLQEntry) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.dlq[entry.ID]; !ok {
		return storage.ErrNotFound
	}
	r.store.dlq[entry.ID] = cloneEntry(entry)
	return nil
}

func (r *DLQRepo) ListByStatus(ctx context.Context, status domain.DLQStatus, limit int) ([]*domain.DLQEntry, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*domain.DLQEntry
	for _, e := range r.store.dlq {
		if e.Status == status {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DLQRepo) CountByStatus(ctx context.Context) (map[domain.DLQStatus]int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := make(map[domain.DLQStatus]int, len(domain.AllDLQStatuses))
	for _, e := range r.store.dlq {
		counts[e.Status]++
	}
	return counts, nil
}

func (r *DLQRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	n := 0
	for id, e := range r.store.dlq {
		if e.Status.Terminal() && e.UpdatedAt.Before(cutoff) {
			delete(r.store.dlq, id)
			n++
		}
	}
	return n, nil
}

// cloneEntry keeps stored entries isolated from caller mutation.
func cloneEntry(e *domain.DLQEntry) *domain.DLQEntry {
	cp := *e
	if e.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Result != nil {
		cp.Result = append(json.RawMessage(nil), e.Result...)
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
