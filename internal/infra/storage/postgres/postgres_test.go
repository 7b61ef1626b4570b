package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/storage"
)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	return Wrap(sqlx.NewDb(raw, "pgx")), mock
}

func TestUsageRepoAppend(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUsageRepo(db)
	ts := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO usage_records")).
		WithArgs("user-1", "GENERATE", "gpt-4", int64(100), int64(50), 0.006, true, "", ts).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))

	got, err := repo.Append(context.Background(), &domain.UsageRecord{
		PrincipalID:   "user-1",
		OperationType: domain.OpGenerate,
		Model:         "gpt-4",
		InputTokens:   100,
		OutputTokens:  50,
		CostUSD:       0.006,
		Success:       true,
		Timestamp:     ts,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got.ID != 42 {
		t.Errorf("ID = %d, want 42", got.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUsageRepoCountAndSum(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUsageRepo(db)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM usage_records")).
		WithArgs("user-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(cost_usd), 0)")).
		WithArgs("user-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(1.25))

	n, err := repo.CountSince(context.Background(), "user-1", since)
	if err != nil || n != 7 {
		t.Errorf("CountSince = %d, %v; want 7", n, err)
	}
	sum, err := repo.SumCostSince(context.Background(), "user-1", since)
	if err != nil || sum != 1.25 {
		t.Errorf("SumCostSince = %v, %v; want 1.25", sum, err)
	}
}

func TestUsageRepoListSince(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUsageRepo(db)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	cols := []string{"id", "principal_id", "operation_type", "model", "input_tokens", "output_tokens",
		"cost_usd", "success", "error_summary", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM usage_records")).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "u1", "GENERATE", "gpt-4", 10, 5, 0.0006, true, "", since).
			AddRow(2, "u2", "TAILOR", "gpt-4", 0, 0, 0.0, false, "TIMEOUT: timed out", since.Add(time.Minute)))

	recs, err := repo.ListSince(context.Background(), since)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(recs) != 2 || recs[1].OperationType != domain.OpTailor || recs[1].Success {
		t.Errorf("ListSince = %+v", recs)
	}
}

func TestDLQRepoGetNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDLQRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM dlq_entries WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestDLQRepoCreateAndGet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDLQRepo(db)
	now := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

	entry := &domain.DLQEntry{
		ID:            "e1",
		PrincipalID:   "user-1",
		OperationType: domain.OpGenerate,
		Payload:       json.RawMessage(`{"prompt":"hi"}`),
		Error:         domain.ErrorSnapshot{Message: "boom", Category: domain.CategoryAIService, Retryable: true, Timestamp: now},
		AttemptCount:  3,
		Status:        domain.DLQStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dlq_entries")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Create(context.Background(), entry); err != nil {
		t.Fatalf("Create: %v", err)
	}

	errJSON, _ := json.Marshal(entry.Error)
	cols := []string{"id", "principal_id", "subject_id", "operation_type", "payload", "error", "attempt_count",
		"status", "metadata", "result", "created_at", "updated_at", "completed_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM dlq_entries WHERE id = $1")).
		WithArgs("e1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"e1", "user-1", "", "GENERATE", []byte(`{"prompt":"hi"}`), errJSON, 3,
			"PENDING", []byte(`{"source":"api"}`), nil, now, now, nil,
		))

	got, err := repo.Get(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Error.Category != domain.CategoryAIService || got.AttemptCount != 3 {
		t.Errorf("Get = %+v", got)
	}
	if got.Metadata["source"] != "api" || got.CompletedAt != nil {
		t.Errorf("metadata/completed = %v / %v", got.Metadata, got.CompletedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDLQRepoUpdateMissing(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDLQRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE dlq_entries")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Update(context.Background(), &domain.DLQEntry{ID: "nope", Status: domain.DLQStatusFailed})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Update = %v, want ErrNotFound", err)
	}
}

func TestDLQRepoCountAndCleanup(t *testing.T) {
	db, mock := newMock(t)
	repo := NewDLQRepo(db)
	cutoff := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("PENDING", 4).
			AddRow("COMPLETED", 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM dlq_entries")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 2))

	counts, err := repo.CountByStatus(context.Background())
	if err != nil || counts[domain.DLQStatusPending] != 4 || counts[domain.DLQStatusCompleted] != 2 {
		t.Errorf("CountByStatus = %v, %v", counts, err)
	}
	n, err := repo.DeleteFinishedBefore(context.Background(), cutoff)
	if err != nil || n != 2 {
		t.Errorf("DeleteFinishedBefore = %d, %v; want 2", n, err)
	}
}
