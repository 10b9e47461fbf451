package cache

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Loader fetches the value for a single key during warm-up.
type Loader func(ctx context.Context, key string) (any, error)

// Warm loads keys concurrently (bounded by WarmConcurrency) and stores each
// result with the default TTL. Warming is best effort: a failing key is logged
// and skipped, the rest continue. It returns the number of keys stored.
func (c *Cache) Warm(ctx context.Context, keys []string, loader Loader) int {
	if !c.config.Enabled || loader == nil || len(keys) == 0 {
		return 0
	}

	var loaded atomic.Int64

	// Loader errors never reach the group, so no sibling is canceled.
	var g errgroup.Group
	g.SetLimit(c.config.WarmConcurrency)

	for _, key := range keys {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			v, err := loader(ctx, key)
			if err != nil {
				slog.Debug("Cache warm failed", "key", key, "error", err)
				return nil
			}
			c.SetDefault(key, v)
			loaded.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	n := int(loaded.Load())
	slog.Debug("Cache warmed", "requested", len(keys), "loaded", n)
	return n
}
