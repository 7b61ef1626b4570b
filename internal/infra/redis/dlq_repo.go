package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/storage"
)

// DLQRepo implements storage.DLQRepository using Redis.
//
// Each entry is a JSON string key; a sorted set per status indexes entry IDs
// by creation time so listing is oldest first.
type DLQRepo struct {
	rdb    *redis.Client
	prefix string
}

// NewDLQRepo creates a new Redis-backed dead letter repository.
func NewDLQRepo(client *Client) *DLQRepo {
	return &DLQRepo{
		rdb:    client.rdb,
		prefix: client.prefix,
	}
}

// Key helpers
func (r *DLQRepo) entryKey(id string) string {
	return fmt.Sprintf("%s:dlq:entry:%s", r.prefix, id)
}

func (r *DLQRepo) statusKey(status domain.DLQStatus) string {
	return fmt.Sprintf("%s:dlq:status:%s", r.prefix, status)
}

func score(e *domain.DLQEntry) float64 {
	return float64(e.CreatedAt.UnixMilli())
}

// Create stores the entry and indexes it under its status.
func (r *DLQRepo) Create(ctx context.Context, entry *domain.DLQEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dlq entry: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.entryKey(entry.ID), data, 0)
		pipe.ZAdd(ctx, r.statusKey(entry.Status), redis.Z{Score: score(entry), Member: entry.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create dlq entry: %w", err)
	}
	return nil
}

// Get retrieves an entry by ID.
func (r *DLQRepo) Get(ctx context.Context, id string) (*domain.DLQEntry, error) {
	data, err := r.rdb.Get(ctx, r.entryKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq entry: %w", err)
	}

	var e domain.DLQEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dlq entry: %w", err)
	}
	return &e, nil
}

// Update rewrites the entry and moves it between status indexes.
func (r *DLQRepo) Update(ctx context.Context, entry *domain.DLQEntry) error {
	prev, err := r.Get(ctx, entry.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dlq entry: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.entryKey(entry.ID), data, 0)
		if prev.Status != entry.Status {
			pipe.ZRem(ctx, r.statusKey(prev.Status), entry.ID)
		}
		pipe.ZAdd(ctx, r.statusKey(entry.Status), redis.Z{Score: score(entry), Member: entry.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update dlq entry: %w", err)
	}
	return nil
}

// ListByStatus returns entries in a status, oldest first.
func (r *DLQRepo) ListByStatus(ctx context.Context, status domain.DLQStatus, limit int) ([]*domain.DLQEntry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := r.rdb.ZRange(ctx, r.statusKey(status), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	entries := make([]*domain.DLQEntry, 0, len(ids))
	for _, id := range ids {
		e, err := r.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			// Data gone but ID still indexed, drop it
			r.rdb.ZRem(ctx, r.statusKey(status), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CountByStatus returns the cardinality of each status index.
func (r *DLQRepo) CountByStatus(ctx context.Context) (map[domain.DLQStatus]int, error) {
	counts := make(map[domain.DLQStatus]int, len(domain.AllDLQStatuses))
	for _, status := range domain.AllDLQStatuses {
		n, err := r.rdb.ZCard(ctx, r.statusKey(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("zcard failed: %w", err)
		}
		if n > 0 {
			counts[status] = int(n)
		}
	}
	return counts, nil
}

// DeleteFinishedBefore removes COMPLETED and CANCELLED entries last updated before cutoff.
func (r *DLQRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	for _, status := range domain.AllDLQStatuses {
		if !status.Terminal() {
			continue
		}
		entries, err := r.ListByStatus(ctx, status, 0)
		if err != nil {
			return deleted, err
		}
		for _, e := range entries {
			if !e.UpdatedAt.Before(cutoff) {
				continue
			}
			_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, r.entryKey(e.ID))
				pipe.ZRem(ctx, r.statusKey(status), e.ID)
				return nil
			})
			if err != nil {
				return deleted, fmt.Errorf("failed to delete dlq entry %s: %w", e.ID, err)
			}
			deleted++
		}
	}
	return deleted, nil
}
