package worker

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner deletes finished entries older than a number of days.
type Cleaner interface {
	Cleanup(ctx context.Context, daysOld int) (int, error)
}

// Pruner deletes finished DLQ entries based on the retention policy.
type Pruner struct {
	cleaner       Cleaner
	retentionDays int
	interval      time.Duration
	log           *slog.Logger
}

// NewPruner creates a new Pruner worker. A non-positive retention disables it.
func NewPruner(cleaner Cleaner, retentionDays int) *Pruner {
	return &Pruner{
		cleaner:       cleaner,
		retentionDays: retentionDays,
		interval:      time.Hour,
		log:           slog.Default(),
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retentionDays <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	n, err := p.cleaner.Cleanup(ctx, p.retentionDays)
	if err != nil {
		p.log.Error("Failed to prune DLQ entries", "days_old", p.retentionDays, "err", err)
		return
	}
	if n > 0 {
		p.log.Debug("Pruned DLQ entries", "deleted", n)
	}
}
