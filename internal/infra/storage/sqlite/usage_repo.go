// Package sqlite provides a single-file usage ledger for single-node deployments.
package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/storage/sqlite/migrations"
)

// Config configures the local ledger.
type Config struct {
	Path string `yaml:"path"`
}

// UsageRepo implements storage.UsageRepository on top of SQLite.
type UsageRepo struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database file and applies migrations.
func Open(ctx context.Context, cfg Config) (*UsageRepo, error) {
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// one writer keeps SQLITE_BUSY away
	db.SetMaxOpenConns(1)

	provider, err := goose.NewProvider(goose.DialectSQLite3, db.DB, migrations.FS)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run sqlite migrations: %w", err)
	}
	return &UsageRepo{db: db}, nil
}

// Close closes the database.
func (r *UsageRepo) Close() error {
	return r.db.Close()
}

// Health checks the database file is reachable.
func (r *UsageRepo) Health(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

type usageRow struct {
	ID            int64   `db:"id"`
	PrincipalID   string  `db:"principal_id"`
	OperationType string  `db:"operation_type"`
	Model         string  `db:"model"`
	InputTokens   int64   `db:"input_tokens"`
	OutputTokens  int64   `db:"output_tokens"`
	CostUSD       float64 `db:"cost_usd"`
	Success       bool    `db:"success"`
	ErrorSummary  string  `db:"error_summary"`
	CreatedAt     int64   `db:"created_at"` // unix nanoseconds
}

func (row usageRow) toDomain() *domain.UsageRecord {
	return &domain.UsageRecord{
		ID:            row.ID,
		PrincipalID:   row.PrincipalID,
		OperationType: domain.OperationType(row.OperationType),
		Model:         row.Model,
		InputTokens:   row.InputTokens,
		OutputTokens:  row.OutputTokens,
		CostUSD:       row.CostUSD,
		Success:       row.Success,
		ErrorSummary:  row.ErrorSummary,
		Timestamp:     time.Unix(0, row.CreatedAt).UTC(),
	}
}

func (r *UsageRepo) Append(ctx context.Context, rec *domain.UsageRecord) (*domain.UsageRecord, error) {
	out := *rec
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(principal_id, operation_type, model, input_tokens, output_tokens, cost_usd, success, error_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.PrincipalID, string(out.OperationType), out.Model, out.InputTokens, out.OutputTokens,
		out.CostUSD, out.Success, out.ErrorSummary, out.Timestamp.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append usage record: %w", err)
	}
	if out.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read usage record id: %w", err)
	}
	return &out, nil
}

func (r *UsageRepo) CountSince(ctx context.Context, principalID string, since time.Time) (int, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM usage_records WHERE principal_id = ? AND created_at >= ?`,
		principalID, since.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return n, nil
}

func (r *UsageRepo) SumCostSince(ctx context.Context, principalID string, since time.Time) (float64, error) {
	var sum float64
	err := r.db.GetContext(ctx, &sum,
		`SELECT COALESCE(SUM(cost_usd), 0.0) FROM usage_records WHERE principal_id = ? AND created_at >= ?`,
		principalID, since.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage cost: %w", err)
	}
	return sum, nil
}

func (r *UsageRepo) ListSince(ctx context.Context, since time.Time) ([]*domain.UsageRecord, error) {
	var rows []usageRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, principal_id, operation_type, model, input_tokens, output_tokens,
		       cost_usd, success, error_summary, created_at
		FROM usage_records
		WHERE created_at >= ?
		ORDER BY created_at ASC, id ASC`,
		since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to list usage: %w", err)
	}

	out := make([]*domain.UsageRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
