package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/storage"
)

// DLQRepo implements storage.DLQRepository using PostgreSQL.
type DLQRepo struct {
	db *DB
}

// NewDLQRepo creates a new PostgreSQL dead letter repository.
func NewDLQRepo(db *DB) *DLQRepo {
	return &DLQRepo{db: db}
}

const dlqColumns = `id, principal_id, subject_id, operation_type, payload, error, attempt_count,
	status, metadata, result, created_at, updated_at, completed_at`

type dlqRow struct {
	ID            string       `db:"id"`
	PrincipalID   string       `db:"principal_id"`
	SubjectID     string       `db:"subject_id"`
	OperationType string       `db:"operation_type"`
	Payload       []byte       `db:"payload"`
	Error         []byte       `db:"error"`
	AttemptCount  int          `db:"attempt_count"`
	Status        string       `db:"status"`
	Metadata      []byte       `db:"metadata"`
	Result        []byte       `db:"result"`
	CreatedAt     time.Time    `db:"created_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
	CompletedAt   sql.NullTime `db:"completed_at"`
}

func toRow(e *domain.DLQEntry) (*dlqRow, error) {
	errJSON, err := json.Marshal(e.Error)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal error snapshot: %w", err)
	}
	row := &dlqRow{
		ID:            e.ID,
		PrincipalID:   e.PrincipalID,
		SubjectID:     e.SubjectID,
		OperationType: string(e.OperationType),
		Payload:       e.Payload,
		Error:         errJSON,
		AttemptCount:  e.AttemptCount,
		Status:        string(e.Status),
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if len(row.Payload) == 0 {
		row.Payload = []byte("{}")
	}
	if len(e.Metadata) > 0 {
		if row.Metadata, err = json.Marshal(e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}
	if len(e.Result) > 0 {
		row.Result = e.Result
	}
	if e.CompletedAt != nil {
		row.CompletedAt = sql.NullTime{Time: *e.CompletedAt, Valid: true}
	}
	return row, nil
}

func (row *dlqRow) toDomain() (*domain.DLQEntry, error) {
	e := &domain.DLQEntry{
		ID:            row.ID,
		PrincipalID:   row.PrincipalID,
		SubjectID:     row.SubjectID,
		OperationType: domain.OperationType(row.OperationType),
		Payload:       json.RawMessage(row.Payload),
		AttemptCount:  row.AttemptCount,
		Status:        domain.DLQStatus(row.Status),
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
	if err := json.Unmarshal(row.Error, &e.Error); err != nil {
		return nil, fmt.Errorf("failed to decode error snapshot for %s: %w", row.ID, err)
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", row.ID, err)
		}
	}
	if len(row.Result) > 0 {
		e.Result = json.RawMessage(row.Result)
	}
	if row.CompletedAt.Valid {
		t := row.CompletedAt.Time
		e.CompletedAt = &t
	}
	return e, nil
}

// Create inserts a new entry.
func (r *DLQRepo) Create(ctx context.Context, entry *domain.DLQEntry) error {
	row, err := toRow(entry)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO dlq_entries (` + dlqColumns + `)
		VALUES (:id, :principal_id, :subject_id, :operation_type, :payload, :error, :attempt_count,
			:status, :metadata, :result, :created_at, :updated_at, :completed_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to create dlq entry: %w", err)
	}
	return nil
}

// Get returns one entry by ID.
func (r *DLQRepo) Get(ctx context.Context, id string) (*domain.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq_entries WHERE id = $1`

	var row dlqRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dlq entry: %w", err)
	}
	return row.toDomain()
}

// Update overwrites the mutable columns of an entry.
func (r *DLQRepo) Update(ctx context.Context, entry *domain.DLQEntry) error {
	row, err := toRow(entry)
	if err != nil {
		return err
	}
	query := `
		UPDATE dlq_entries
		SET error = :error, attempt_count = :attempt_count, status = :status, metadata = :metadata,
			result = :result, updated_at = :updated_at, completed_at = :completed_at
		WHERE id = :id
	`
	res, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return fmt.Errorf("failed to update dlq entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListByStatus returns entries in a status, oldest first.
func (r *DLQRepo) ListByStatus(ctx context.Context, status domain.DLQStatus, limit int) ([]*domain.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq_entries WHERE status = $1 ORDER BY created_at ASC, id ASC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	var rows []dlqRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list dlq entries: %w", err)
	}

	out := make([]*domain.DLQEntry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CountByStatus groups entries by status.
func (r *DLQRepo) CountByStatus(ctx context.Context) (map[domain.DLQStatus]int, error) {
	query := `SELECT status, COUNT(*) AS count FROM dlq_entries GROUP BY status`

	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count dlq entries: %w", err)
	}

	counts := make(map[domain.DLQStatus]int, len(rows))
	for _, row := range rows {
		counts[domain.DLQStatus(row.Status)] = row.Count
	}
	return counts, nil
}

// DeleteFinishedBefore removes terminal entries older than cutoff.
func (r *DLQRepo) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		DELETE FROM dlq_entries
		WHERE status IN ('COMPLETED', 'CANCELLED') AND updated_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished dlq entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}
