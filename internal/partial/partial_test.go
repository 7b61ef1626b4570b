package partial

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func resume() map[string]any {
	return map[string]any{
		"summary":    "old summary",
		"experience": "old experience",
		"skills":     "old skills",
	}
}

func TestRunAndReconcilePartial(t *testing.T) {
	down := errors.New("openai: 503 service unavailable")
	units := []Unit{
		{Name: "summary", Run: func(context.Context) (any, error) { return "new summary", nil }},
		{Name: "experience", Run: func(context.Context) (any, error) { return nil, down }},
		{Name: "skills", Run: func(context.Context) (any, error) { return "new skills", nil }},
	}

	res, err := Reconcile(resume(), Run(context.Background(), units, 2))
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Success != StatusPartial || !res.ShouldRetry {
		t.Errorf("Success=%q ShouldRetry=%v, want partial/true", res.Success, res.ShouldRetry)
	}
	if len(res.CompletedNames) != 2 || len(res.FailedNames) != 1 || res.FailedNames[0] != "experience" {
		t.Errorf("completed=%v failed=%v", res.CompletedNames, res.FailedNames)
	}
	if res.Data["summary"] != "new summary" || res.Data["experience"] != "old experience" {
		t.Errorf("merged data = %v", res.Data)
	}
	if res.Warning == "" {
		t.Error("partial result should carry a warning")
	}
}

func TestReconcileAllSucceeded(t *testing.T) {
	res, err := Reconcile(resume(), []UnitResult{{Name: "summary", Data: "x"}})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Success != StatusSuccess || res.ShouldRetry || res.Warning != "" {
		t.Errorf("result = %+v", res)
	}
}

func TestReconcileAllFailed(t *testing.T) {
	timeout := errors.New("deadline exceeded")
	_, err := Reconcile(resume(), []UnitResult{
		{Name: "summary", Err: timeout},
		{Name: "skills", Err: errors.New("rate limited")},
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, timeout) {
		t.Errorf("err = %v, want ErrAllFailed wrapping unit errors", err)
	}
}

func TestRunDoesNotCancelSiblings(t *testing.T) {
	var finished atomic.Int32
	units := []Unit{
		{Name: "fast-fail", Run: func(context.Context) (any, error) { return nil, errors.New("boom") }},
		{Name: "slow", Run: func(ctx context.Context) (any, error) {
			select {
			case <-time.After(20 * time.Millisecond):
				finished.Add(1)
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}},
	}

	results := Run(context.Background(), units, 0)
	if results[1].Err != nil || finished.Load() != 1 {
		t.Errorf("slow unit = %+v, should finish despite sibling failure", results[1])
	}
	if results[0].Name != "fast-fail" || results[1].Name != "slow" {
		t.Errorf("results out of order: %+v", results)
	}
}
