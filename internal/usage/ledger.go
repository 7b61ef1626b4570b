package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/storage"
	"github.com/vietddude/aiguard/internal/metrics"
)

// DefaultBudgetThreshold is the monthly per-principal spend that raises an alert.
const DefaultBudgetThreshold = 10.0

// Ledger records usage and reports on spend.
type Ledger struct {
	repo      storage.UsageRepository
	pricing   Pricing
	threshold float64
	clock     func() time.Time
	log       *slog.Logger
}

// LedgerOption customizes a ledger.
type LedgerOption func(*Ledger)

// WithPricing overrides the price table.
func WithPricing(p Pricing) LedgerOption {
	return func(l *Ledger) { l.pricing = p }
}

// WithBudgetThreshold overrides the alert threshold.
func WithBudgetThreshold(usd float64) LedgerOption {
	return func(l *Ledger) { l.threshold = usd }
}

// WithLedgerClock replaces the time source.
func WithLedgerClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) { l.clock = clock }
}

// WithLedgerLogger sets the logger.
func WithLedgerLogger(log *slog.Logger) LedgerOption {
	return func(l *Ledger) { l.log = log }
}

// NewLedger creates a ledger on top of repo.
func NewLedger(repo storage.UsageRepository, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		repo:      repo,
		pricing:   DefaultPricing(),
		threshold: DefaultBudgetThreshold,
		clock:     time.Now,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Pricing returns the active price table.
func (l *Ledger) Pricing() Pricing { return l.pricing }

// TrackUsage prices rec, appends it and runs the budget side-check. A failed
// budget check is logged and never fails the call.
func (l *Ledger) TrackUsage(ctx context.Context, rec domain.UsageRecord) (*domain.UsageRecord, error) {
	if rec.Model == "" {
		rec.Model = l.pricing.DefaultModel
	}
	rec.CostUSD = l.pricing.CalculateCost(rec.Model, rec.InputTokens, rec.OutputTokens).TotalCost
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock().UTC()
	}

	stored, err := l.repo.Append(ctx, &rec)
	if err != nil {
		return nil, fmt.Errorf("failed to track usage: %w", err)
	}
	metrics.CostUSD.WithLabelValues(rec.Model).Add(rec.CostUSD)

	if _, err := l.CheckBudgetAlert(ctx, rec.PrincipalID); err != nil {
		l.log.Warn("Budget check failed", "principal", rec.PrincipalID, "err", err)
	}
	return stored, nil
}

// BudgetStatus reports a principal's spend for the current month.
type BudgetStatus struct {
	TotalSpent float64 `json:"total_spent"`
	Threshold  float64 `json:"threshold"`
	Exceeded   bool    `json:"exceeded"`
}

// CheckBudgetAlert logs a warning when the principal's month-to-date spend
// reaches the threshold. It never blocks the operation.
func (l *Ledger) CheckBudgetAlert(ctx context.Context, principalID string) (BudgetStatus, error) {
	spent, err := l.repo.SumCostSince(ctx, principalID, PeriodStart(l.clock()))
	if err != nil {
		return BudgetStatus{}, err
	}

	st := BudgetStatus{TotalSpent: spent, Threshold: l.threshold, Exceeded: spent >= l.threshold}
	if st.Exceeded {
		metrics.BudgetAlerts.Inc()
		l.log.Warn("Budget alert",
			"principal", principalID,
			"spent_usd", fmt.Sprintf("%.2f", spent),
			"threshold_usd", l.threshold,
		)
	}
	return st, nil
}

// Aggregate sums one group of successful records.
type Aggregate struct {
	Cost     float64 `json:"cost"`
	Tokens   int64   `json:"tokens"`
	Requests int     `json:"requests"`
	AvgCost  float64 `json:"avg_cost"`
}

func (a *Aggregate) add(rec *domain.UsageRecord) {
	a.Cost += rec.CostUSD
	a.Tokens += rec.TotalTokens()
	a.Requests++
	a.AvgCost = a.Cost / float64(a.Requests)
}

// Overview summarizes spend since a point in time.
type Overview struct {
	Since            time.Time                          `json:"since"`
	Until            time.Time                          `json:"until"`
	Total            Aggregate                          `json:"total"`
	FailedRequests   int                                `json:"failed_requests"`
	UniquePrincipals int                                `json:"unique_principals"`
	ByOperation      map[domain.OperationType]Aggregate `json:"by_operation"`
	ByModel          map[string]Aggregate               `json:"by_model"`
}

// Overview aggregates successful operations by operation type and model.
func (l *Ledger) Overview(ctx context.Context, since time.Time) (*Overview, error) {
	recs, err := l.repo.ListSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}

	ov := &Overview{
		Since:       since,
		Until:       l.clock().UTC(),
		ByOperation: make(map[domain.OperationType]Aggregate),
		ByModel:     make(map[string]Aggregate),
	}
	principals := make(map[string]struct{})
	for _, rec := range recs {
		if !rec.Success {
			ov.FailedRequests++
			continue
		}
		principals[rec.PrincipalID] = struct{}{}
		ov.Total.add(rec)

		op := ov.ByOperation[rec.OperationType]
		op.add(rec)
		ov.ByOperation[rec.OperationType] = op

		m := ov.ByModel[rec.Model]
		m.add(rec)
		ov.ByModel[rec.Model] = m
	}
	ov.UniquePrincipals = len(principals)
	return ov, nil
}

// PrincipalSpend is one row of TopPrincipals.
type PrincipalSpend struct {
	PrincipalID string `json:"principal_id"`
	Aggregate
}

// TopPrincipals returns the principals with the highest spend since a point in time.
func (l *Ledger) TopPrincipals(ctx context.Context, since time.Time, limit int) ([]PrincipalSpend, error) {
	recs, err := l.repo.ListSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load usage: %w", err)
	}

	byPrincipal := make(map[string]*Aggregate)
	for _, rec := range recs {
		if !rec.Success {
			continue
		}
		agg, ok := byPrincipal[rec.PrincipalID]
		if !ok {
			agg = &Aggregate{}
			byPrincipal[rec.PrincipalID] = agg
		}
		agg.add(rec)
	}

	out := make([]PrincipalSpend, 0, len(byPrincipal))
	for id, agg := range byPrincipal {
		out = append(out, PrincipalSpend{PrincipalID: id, Aggregate: *agg})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost == out[j].Cost {
			return out[i].PrincipalID < out[j].PrincipalID
		}
		return out[i].Cost > out[j].Cost
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PeriodSince maps an overview period name (day, week, month) to its start.
func PeriodSince(period string, now time.Time) (time.Time, error) {
	switch period {
	case "", "day":
		return now.Add(-24 * time.Hour), nil
	case "week":
		return now.Add(-7 * 24 * time.Hour), nil
	case "month":
		return now.Add(-30 * 24 * time.Hour), nil
	}
	return time.Time{}, fmt.Errorf("unknown period %q (want day, week or month)", period)
}
