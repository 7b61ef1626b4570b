package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
)

// UsageRepo implements storage.UsageRepository using PostgreSQL.
type UsageRepo struct {
	db *DB
}

// NewUsageRepo creates a new PostgreSQL usage repository.
func NewUsageRepo(db *DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// Append inserts one ledger row.
func (r *UsageRepo) Append(ctx context.Context, rec *domain.UsageRecord) (*domain.UsageRecord, error) {
	query := `
		INSERT INTO usage_records
			(principal_id, operation_type, model, input_tokens, output_tokens, cost_usd, success, error_summary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	out := *rec
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}

	err := r.db.QueryRowxContext(
		ctx,
		query,
		out.PrincipalID,
		string(out.OperationType),
		out.Model,
		out.InputTokens,
		out.OutputTokens,
		out.CostUSD,
		out.Success,
		out.ErrorSummary,
		out.Timestamp,
	).Scan(&out.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to append usage record: %w", err)
	}
	return &out, nil
}

// CountSince counts a principal's operations in the window.
func (r *UsageRepo) CountSince(ctx context.Context, principalID string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM usage_records WHERE principal_id = $1 AND created_at >= $2`

	var n int
	if err := r.db.GetContext(ctx, &n, query, principalID, since); err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return n, nil
}

// SumCostSince sums a principal's spend in the window.
func (r *UsageRepo) SumCostSince(ctx context.Context, principalID string, since time.Time) (float64, error) {
	query := `SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records WHERE principal_id = $1 AND created_at >= $2`

	var sum float64
	if err := r.db.GetContext(ctx, &sum, query, principalID, since); err != nil {
		return 0, fmt.Errorf("failed to sum usage cost: %w", err)
	}
	return sum, nil
}

// ListSince returns every record in the window, oldest first.
func (r *UsageRepo) ListSince(ctx context.Context, since time.Time) ([]*domain.UsageRecord, error) {
	query := `
		SELECT id, principal_id, operation_type, model, input_tokens, output_tokens,
		       cost_usd, success, error_summary, created_at
		FROM usage_records
		WHERE created_at >= $1
		ORDER BY created_at ASC, id ASC
	`
	var recs []*domain.UsageRecord
	if err := r.db.SelectContext(ctx, &recs, query, since); err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}
	return recs, nil
}
