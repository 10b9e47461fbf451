package worker

import (
	"context"
	"log/slog"
	"time"
)

// SnapshotPruner deletes last-known-good snapshots stored before a cutoff.
type SnapshotPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Pruner deletes old snapshots based on retention policy.
type Pruner struct {
	retention time.Duration
	repo      SnapshotPruner
	now       func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, repo SnapshotPruner) *Pruner {
	return &Pruner{
		retention: retention,
		repo:      repo,
		now:       time.Now,
	}
}

// Interval is how often Start prunes: 10% of retention, between 1m and 1h.
func (p *Pruner) Interval() time.Duration {
	interval := min(p.retention/10, time.Hour)
	return max(interval, time.Minute)
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	ticker := time.NewTicker(p.Interval())
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one pruning pass.
func (p *Pruner) Prune(ctx context.Context) {
	cutoff := p.now().Add(-p.retention)

	n, err := p.repo.Prune(ctx, cutoff)
	if err != nil {
		slog.Error("Failed to prune snapshots", "cutoff", cutoff, "error", err)
		return
	}
	if n > 0 {
		slog.Info("Pruned snapshots", "count", n, "cutoff", cutoff)
	}
}
