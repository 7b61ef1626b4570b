package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record doesn't exist
	ErrNotFound = errors.New("record not found")
)

// UsageRepository handles the append-only usage ledger
type UsageRepository interface {
	// Append stores a record and returns it with its assigned ID
	Append(ctx context.Context, rec *domain.UsageRecord) (*domain.UsageRecord, error)

	// CountSince counts a principal's records created at or after since
	CountSince(ctx context.Context, principalID string, since time.Time) (int, error)

	// SumCostSince sums a principal's spend since the given time
	SumCostSince(ctx context.Context, principalID string, since time.Time) (float64, error)

	// ListSince returns all records created at or after since, oldest first
	ListSince(ctx context.Context, since time.Time) ([]*domain.UsageRecord, error)
}

// DLQRepository handles dead letter queue storage
type DLQRepository interface {
	// Create stores a new entry
	Create(ctx context.Context, entry *domain.DLQEntry) error

	// Get retrieves an entry by ID, ErrNotFound if absent
	Get(ctx context.Context, id string) (*domain.DLQEntry, error)

	// Update overwrites a stored entry
	Update(ctx context.Context, entry *domain.DLQEntry) error

	// ListByStatus returns entries in a status, oldest first; limit <= 0 means all
	ListByStatus(ctx context.Context, status domain.DLQStatus, limit int) ([]*domain.DLQEntry, error)

	// CountByStatus returns the number of entries per status
	CountByStatus(ctx context.Context) (map[domain.DLQStatus]int, error)

	// DeleteFinishedBefore removes COMPLETED and CANCELLED entries last updated before cutoff
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Pinger is implemented by stores that can report reachability
type Pinger interface {
	Health(ctx context.Context) error
}
