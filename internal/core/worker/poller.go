// Package worker holds the service's background loops.
package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// PollFunc refreshes one symbol.
type PollFunc func(ctx context.Context, symbol string) error

// Poller refreshes a fixed symbol list on an interval with bounded fan-out.
type Poller struct {
	symbols     []string
	interval    time.Duration
	concurrency int
	poll        PollFunc
}

// NewPoller creates a poller. concurrency <= 0 means one symbol at a time.
func NewPoller(symbols []string, interval time.Duration, concurrency int, poll PollFunc) *Poller {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Poller{
		symbols:     symbols,
		interval:    interval,
		concurrency: concurrency,
		poll:        poll,
	}
}

// Start runs rounds until ctx is done.
func (p *Poller) Start(ctx context.Context) {
	if p.interval <= 0 || len(p.symbols) == 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Round(ctx)
		}
	}
}

// Round polls every symbol once and returns how many succeeded.
func (p *Poller) Round(ctx context.Context) int {
	var g errgroup.Group
	g.SetLimit(p.concurrency)

	ok := make([]bool, len(p.symbols))
	for i, symbol := range p.symbols {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := p.poll(ctx, symbol); err != nil {
				slog.Warn("Poll failed", "symbol", symbol, "error", err)
				return nil
			}
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, v := range ok {
		if v {
			n++
		}
	}
	slog.Debug("Poll round finished", "symbols", len(p.symbols), "ok", n)
	return n
}
