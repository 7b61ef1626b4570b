// Package usage enforces per-plan quotas and keeps the cost ledger.
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/aiguard/internal/core/domain"
	"github.com/vietddude/aiguard/internal/infra/storage"
)

// DefaultLimits are the monthly operation caps per plan.
func DefaultLimits() map[domain.Plan]int {
	return map[domain.Plan]int{
		domain.PlanFree:    10,
		domain.PlanPro:     100,
		domain.PlanPremium: domain.Unlimited,
	}
}

// Check is the outcome of a quota lookup.
type Check struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	Usage     int  `json:"usage"`
	Limit     int  `json:"limit"`
}

// PeriodStart returns the first instant of t's calendar month in UTC.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Gate answers whether a principal may start another operation.
type Gate struct {
	repo   storage.UsageRepository
	limits map[domain.Plan]int
	clock  func() time.Time
}

// NewGate creates a gate. A nil limits map uses DefaultLimits.
func NewGate(repo storage.UsageRepository, limits map[domain.Plan]int) *Gate {
	if limits == nil {
		limits = DefaultLimits()
	}
	return &Gate{repo: repo, limits: limits, clock: time.Now}
}

// WithClock replaces the time source.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Limit returns the cap for plan; unknown plans get the free tier.
func (g *Gate) Limit(plan domain.Plan) int {
	if limit, ok := g.limits[plan]; ok {
		return limit
	}
	return g.limits[domain.PlanFree]
}

// CheckUsageLimit counts the principal's operations in the current period.
// The check and the later ledger write are not atomic, so concurrent callers
// near the cap may be slightly over-admitted.
func (g *Gate) CheckUsageLimit(ctx context.Context, principalID string, plan domain.Plan) (Check, error) {
	limit := g.Limit(plan)
	if limit == domain.Unlimited {
		return Check{Allowed: true, Remaining: domain.Unlimited, Limit: domain.Unlimited}, nil
	}

	used, err := g.repo.CountSince(ctx, principalID, PeriodStart(g.clock()))
	if err != nil {
		return Check{}, fmt.Errorf("failed to count usage for %s: %w", principalID, err)
	}
	return Check{
		Allowed:   used < limit,
		Remaining: max(limit-used, 0),
		Usage:     used,
		Limit:     limit,
	}, nil
}

// LimitError builds the USAGE_LIMIT_EXCEEDED error for a rejected check.
func LimitError(c Check) *domain.Error {
	msg := fmt.Sprintf("AI usage limit reached (%d/%d this month). Please upgrade your plan.", c.Usage, c.Limit)
	return domain.NewError(domain.CategoryUsageLimitExceeded, msg, nil).WithStatus(429)
}
