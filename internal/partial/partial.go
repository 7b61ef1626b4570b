// Package partial reconciles the outcome of independent sub-units of one
// request, such as tailoring several resume sections.
package partial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ErrAllFailed is returned by Reconcile when no unit succeeded.
var ErrAllFailed = errors.New("all units failed")

const (
	StatusSuccess = "success"
	StatusPartial = "partial"
)

// Unit is one independently attempted piece of work.
type Unit struct {
	Name string
	Run  func(ctx context.Context) (any, error)
}

// UnitResult is the outcome of one unit.
type UnitResult struct {
	Name string
	Data any
	Err  error
}

// Failure names a unit that did not complete.
type Failure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// Result merges completed units into the base document.
type Result struct {
	Success        string         `json:"success"`
	Data           map[string]any `json:"data"`
	CompletedNames []string       `json:"completed_names"`
	FailedNames    []string       `json:"failed_names"`
	Failures       []Failure      `json:"failures,omitempty"`
	Warning        string         `json:"warning,omitempty"`
	ShouldRetry    bool           `json:"should_retry"`
}

// Run executes units concurrently with at most limit in flight. A failing
// unit never cancels its siblings. Results keep the order of units.
func Run(ctx context.Context, units []Unit, limit int) []UnitResult {
	results := make([]UnitResult, len(units))

	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, u := range units {
		g.Go(func() error {
			results[i].Name = u.Name
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			data, err := u.Run(ctx)
			if err != nil {
				slog.Warn("Unit failed", "unit", u.Name, "err", err)
			}
			results[i].Data, results[i].Err = data, err
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Reconcile copies base and overwrites the key of every completed unit with its
// data. Failed units keep their original value from base. If every unit failed
// the error wraps ErrAllFailed and each unit's error.
func Reconcile(base map[string]any, results []UnitResult) (*Result, error) {
	res := &Result{
		Data:           make(map[string]any, len(base)+len(results)),
		CompletedNames: []string{},
		FailedNames:    []string{},
	}
	for k, v := range base {
		res.Data[k] = v
	}

	errs := []error{ErrAllFailed}
	for _, r := range results {
		if r.Err != nil {
			res.FailedNames = append(res.FailedNames, r.Name)
			res.Failures = append(res.Failures, Failure{Name: r.Name, Error: r.Err.Error()})
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
			continue
		}
		res.CompletedNames = append(res.CompletedNames, r.Name)
		res.Data[r.Name] = r.Data
	}

	if len(res.CompletedNames) == 0 && len(res.FailedNames) > 0 {
		return nil, errors.Join(errs...)
	}

	if len(res.FailedNames) == 0 {
		res.Success = StatusSuccess
		return res, nil
	}
	res.Success = StatusPartial
	res.ShouldRetry = true
	res.Warning = fmt.Sprintf("%d of %d sections could not be processed (%s). They kept their original content and can be retried.",
		len(res.FailedNames), len(results), strings.Join(res.FailedNames, ", "))
	return res, nil
}
