// Package dlq keeps operations that exhausted their retries until an operator
// or scheduler decides to replay or cancel them. It never polls.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/storage"
	"github.com/vietddude/aiguard/internal/metrics"
	"github.com/vietddude/aiguard/internal/resilience/classify"
)

// ErrInvalidTransition is returned when an entry's status forbids the requested action.
var ErrInvalidTransition = errors.New("invalid dlq status transition")

// Operation is a failed unit of work to capture.
type Operation struct {
	PrincipalID   string
	SubjectID     string
	OperationType domain.OperationType
	Payload       any
	Err           error
	Elapsed       time.Duration
	AttemptCount  int
	Metadata      map[string]string
}

// Handler replays the payload of one entry and returns its result.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Queue owns DLQ status transitions.
type Queue struct {
	repo  storage.DLQRepository
	sink  Appender
	clock func() time.Time
	log   *slog.Logger

	mu sync.Mutex
}

// Option customizes a Queue.
type Option func(*Queue)

// WithSink replaces the default StoreAppender, typically with a TieredSink.
func WithSink(s Appender) Option {
	return func(q *Queue) { q.sink = s }
}

// WithClock replaces the time source.
func WithClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(q *Queue) { q.log = log }
}

// New creates a queue over repo.
func New(repo storage.DLQRepository, opts ...Option) *Queue {
	q := &Queue{
		repo:  repo,
		sink:  StoreAppender{Repo: repo},
		clock: time.Now,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Snapshot captures err at time now.
func Snapshot(err error, elapsed time.Duration, now time.Time) domain.ErrorSnapshot {
	snap := domain.ErrorSnapshot{Timestamp: now.UTC()}
	if err == nil {
		return snap
	}
	de := classify.Normalize(err)
	snap.Message = err.Error()
	snap.Category = de.Category
	snap.Code = de.Code
	snap.StatusCode = de.StatusCode
	snap.Retryable = de.Retryable
	if elapsed > 0 {
		snap.Elapsed = elapsed.Round(time.Millisecond).String()
	}
	return snap
}

// Add persists op as a PENDING entry.
func (q *Queue) Add(ctx context.Context, op Operation) (*domain.DLQEntry, error) {
	payload, err := encode(op.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dlq payload: %w", err)
	}

	now := q.clock().UTC()
	entry := &domain.DLQEntry{
		ID:            uuid.NewString(),
		PrincipalID:   op.PrincipalID,
		SubjectID:     op.SubjectID,
		OperationType: op.OperationType,
		Payload:       payload,
		Error:         Snapshot(op.Err, op.Elapsed, now),
		AttemptCount:  op.AttemptCount,
		Status:        domain.DLQStatusPending,
		Metadata:      op.Metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.sink.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to add dlq entry: %w", err)
	}

	q.log.Info("Operation added to DLQ",
		"id", entry.ID,
		"principal", entry.PrincipalID,
		"operation", entry.OperationType,
		"category", entry.Error.Category,
	)
	return entry, nil
}

// GetPending returns up to limit PENDING entries, oldest first.
func (q *Queue) GetPending(ctx context.Context, limit int) ([]*domain.DLQEntry, error) {
	return q.repo.ListByStatus(ctx, domain.DLQStatusPending, limit)
}

// List returns entries in any status, oldest first.
func (q *Queue) List(ctx context.Context, status domain.DLQStatus, limit int) ([]*domain.DLQEntry, error) {
	return q.repo.ListByStatus(ctx, status, limit)
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, id string) (*domain.DLQEntry, error) {
	return q.repo.Get(ctx, id)
}

// claim moves an entry to RETRYING under the queue lock.
func (q *Queue) claim(ctx context.Context, id string, allowFailed bool) (*domain.DLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch entry.Status {
	case domain.DLQStatusPending:
	case domain.DLQStatusFailed:
		if !allowFailed {
			return nil, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, entry.Status)
		}
	default:
		return nil, fmt.Errorf("%w: cannot retry %s in status %s", ErrInvalidTransition, id, entry.Status)
	}

	entry.Status = domain.DLQStatusRetrying
	entry.AttemptCount++
	entry.UpdatedAt = q.clock().UTC()
	if err := q.repo.Update(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to mark %s retrying: %w", id, err)
	}
	return entry, nil
}

// Retry replays one entry. PENDING and FAILED entries may be retried; the
// attempt count is never reset. The handler's error is returned alongside the
// FAILED entry.
func (q *Queue) Retry(ctx context.Context, id string, fn Handler) (*domain.DLQEntry, error) {
	entry, err := q.claim(ctx, id, true)
	if err != nil {
		return nil, err
	}
	return q.run(ctx, entry, fn)
}

func (q *Queue) run(ctx context.Context, entry *domain.DLQEntry, fn Handler) (*domain.DLQEntry, error) {
	start := q.clock()
	result, runErr := fn(ctx, entry.Payload)
	now := q.clock().UTC()

	if runErr == nil {
		encoded, err := encode(result)
		if err != nil {
			runErr = fmt.Errorf("failed to encode retry result: %w", err)
		} else {
			entry.Status = domain.DLQStatusCompleted
			entry.Result = encoded
			entry.CompletedAt = &now
		}
	}
	if runErr != nil {
		entry.Status = domain.DLQStatusFailed
		entry.Error = Snapshot(runErr, now.Sub(start), now)
	}
	entry.UpdatedAt = now

	// a late cancel wins over the retry outcome
	if err := q.finish(ctx, entry); err != nil {
		return nil, err
	}

	q.log.Info("DLQ retry finished",
		"id", entry.ID,
		"status", entry.Status,
		"attempts", entry.AttemptCount,
	)
	if runErr != nil {
		return entry, runErr
	}
	return entry, nil
}

func (q *Queue) finish(ctx context.Context, entry *domain.DLQEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	current, err := q.repo.Get(ctx, entry.ID)
	if err != nil {
		return err
	}
	if current.Status == domain.DLQStatusCancelled {
		*entry = *current
		return nil
	}
	if err := q.repo.Update(ctx, entry); err != nil {
		return fmt.Errorf("failed to store retry outcome for %s: %w", entry.ID, err)
	}
	return nil
}

// RetryReport summarizes a RetryAll pass.
type RetryReport struct {
	Processed    int                          `json:"processed"`
	Succeeded    int                          `json:"succeeded"`
	Failed       int                          `json:"failed"`
	Unregistered map[domain.OperationType]int `json:"unregistered,omitempty"`
}

// RetryAll dispatches every PENDING entry to the handler registered for its
// operation type. Entries without a handler are skipped and reported.
func (q *Queue) RetryAll(ctx context.Context, handlers map[domain.OperationType]Handler) (RetryReport, error) {
	report := RetryReport{Unregistered: make(map[domain.OperationType]int)}

	pending, err := q.GetPending(ctx, 0)
	if err != nil {
		return report, err
	}
	for _, e := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		fn, ok := handlers[e.OperationType]
		if !ok {
			report.Unregistered[e.OperationType]++
			continue
		}

		entry, err := q.claim(ctx, e.ID, false)
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound) {
			// claimed or cancelled by someone else since listing
			continue
		}
		if err != nil {
			return report, err
		}

		report.Processed++
		done, err := q.run(ctx, entry, fn)
		switch {
		case done == nil:
			return report, err
		case done.Status == domain.DLQStatusCompleted:
			report.Succeeded++
		case done.Status == domain.DLQStatusFailed:
			report.Failed++
		}
	}

	if len(report.Unregistered) > 0 {
		q.log.Warn("DLQ entries skipped, no handler registered", "types", report.Unregistered)
	}
	return report, nil
}

// Cancel moves a PENDING or RETRYING entry to CANCELLED.
func (q *Queue) Cancel(ctx context.Context, id, reason string) (*domain.DLQEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.Status != domain.DLQStatusPending && entry.Status != domain.DLQStatusRetrying {
		return nil, fmt.Errorf("%w: cannot cancel %s in status %s", ErrInvalidTransition, id, entry.Status)
	}

	now := q.clock().UTC()
	entry.Status = domain.DLQStatusCancelled
	entry.UpdatedAt = now
	entry.CompletedAt = &now
	if reason != "" {
		if entry.Metadata == nil {
			entry.Metadata = make(map[string]string)
		}
		entry.Metadata["cancel_reason"] = reason
	}
	if err := q.repo.Update(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to cancel %s: %w", id, err)
	}
	q.log.Info("DLQ entry cancelled", "id", id, "reason", reason)
	return entry, nil
}

// Stats counts entries by status.
type Stats struct {
	Counts map[domain.DLQStatus]int `json:"counts"`
	Total  int                      `json:"total"`
}

// GetStats returns counts grouped by status; every status is present.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	counts, err := q.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count dlq entries: %w", err)
	}

	st := Stats{Counts: make(map[domain.DLQStatus]int, len(domain.AllDLQStatuses))}
	for _, status := range domain.AllDLQStatuses {
		st.Counts[status] = counts[status]
		st.Total += counts[status]
		metrics.DLQEntries.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return st, nil
}

// Cleanup deletes COMPLETED and CANCELLED entries older than daysOld days.
// PENDING, RETRYING and FAILED entries are never removed here.
func (q *Queue) Cleanup(ctx context.Context, daysOld int) (int, error) {
	if daysOld < 0 {
		return 0, fmt.Errorf("daysOld must be >= 0, got %d", daysOld)
	}
	cutoff := q.clock().UTC().AddDate(0, 0, -daysOld)
	n, err := q.repo.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up dlq: %w", err)
	}
	q.log.Info("DLQ cleanup finished", "deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	return n, nil
}

// Replay imports fallback log entries into the store. Entries already present
// are dropped from the log; entries that still fail to import stay in it, as
// do lines that no longer decode.
func (q *Queue) Replay(ctx context.Context, log *FallbackLog) (int, error) {
	log.mu.Lock()
	defer log.mu.Unlock()

	entries, corrupt, err := log.readLocked()
	if err != nil {
		return 0, err
	}
	if len(corrupt) > 0 {
		q.log.Warn("Keeping corrupt fallback log lines for inspection", "count", len(corrupt), "path", log.path)
	}

	imported := 0
	var remaining []*domain.DLQEntry
	for _, e := range entries {
		if _, err := q.repo.Get(ctx, e.ID); err == nil {
			continue
		}
		if err := q.repo.Create(ctx, e); err != nil {
			q.log.Warn("Fallback entry import failed", "id", e.ID, "err", err)
			remaining = append(remaining, e)
			continue
		}
		imported++
	}
	if err := log.rewrite(remaining, corrupt); err != nil {
		return imported, err
	}
	return imported, nil
}

func encode(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if json.Valid(p) {
			return json.RawMessage(p), nil
		}
	}
	return json.Marshal(v)
}
