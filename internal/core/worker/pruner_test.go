package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingCleaner struct {
	calls atomic.Int32
	days  atomic.Int32
	err   error
}

func (c *countingCleaner) Cleanup(_ context.Context, daysOld int) (int, error) {
	c.calls.Add(1)
	c.days.Store(int32(daysOld))
	return 2, c.err
}

func TestPruner_PrunesOnStart(t *testing.T) {
	c := &countingCleaner{}
	p := NewPruner(c, 30)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for c.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("pruner never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if c.days.Load() != 30 {
		t.Errorf("daysOld = %d, want 30", c.days.Load())
	}
}

func TestPruner_DisabledAndErrors(t *testing.T) {
	c := &countingCleaner{}
	NewPruner(c, 0).Start(context.Background())
	if c.calls.Load() != 0 {
		t.Errorf("disabled pruner ran %d times", c.calls.Load())
	}

	failing := &countingCleaner{err: errors.New("database unreachable")}
	NewPruner(failing, 7).prune(context.Background())
	if failing.calls.Load() != 1 {
		t.Errorf("calls = %d", failing.calls.Load())
	}
}
