package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
)

func TestUsageRepo(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "usage.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer repo.Close()

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	records := []domain.UsageRecord{
		{PrincipalID: "u1", OperationType: domain.OpGenerate, Model: "gpt-4", CostUSD: 0.25, Success: true, Timestamp: start.Add(-time.Second)},
		{PrincipalID: "u1", OperationType: domain.OpGenerate, Model: "gpt-4", CostUSD: 0.50, Success: true, Timestamp: start},
		{PrincipalID: "u1", OperationType: domain.OpTailor, Model: "gpt-4", CostUSD: 0, Success: false, ErrorSummary: "TIMEOUT", Timestamp: start.Add(time.Hour)},
		{PrincipalID: "u2", OperationType: domain.OpAnalyze, Model: "gpt-3.5-turbo", CostUSD: 1.00, Success: true, Timestamp: start.Add(2 * time.Hour)},
	}
	for i := range records {
		got, err := repo.Append(ctx, &records[i])
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if got.ID == 0 {
			t.Error("Append should assign an ID")
		}
	}

	n, err := repo.CountSince(ctx, "u1", start)
	if err != nil || n != 2 {
		t.Errorf("CountSince = %d, %v; want 2", n, err)
	}
	sum, err := repo.SumCostSince(ctx, "u1", start)
	if err != nil || sum != 0.5 {
		t.Errorf("SumCostSince = %v, %v; want 0.5", sum, err)
	}

	list, err := repo.ListSince(ctx, start)
	if err != nil {
		t.Fatalf("ListSince: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("ListSince returned %d records, want 3", len(list))
	}
	if !list[0].Timestamp.Equal(start) || list[1].Success || list[2].PrincipalID != "u2" {
		t.Errorf("ListSince order/content = %+v", list)
	}
}

func TestUsageRepoReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "usage.db")

	repo, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, _ = repo.Append(ctx, &domain.UsageRecord{PrincipalID: "u1", OperationType: domain.OpGenerate, Success: true})
	_ = repo.Close()

	repo, err = Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer repo.Close()

	n, _ := repo.CountSince(ctx, "u1", time.Unix(0, 0))
	if n != 1 {
		t.Errorf("CountSince after reopen = %d, want 1", n)
	}
}
