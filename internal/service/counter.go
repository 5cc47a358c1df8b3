package service

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/poimap/server/internal/cache"
	"github.com/poimap/server/internal/geo"
	"github.com/poimap/server/internal/poi"
	"github.com/poimap/server/internal/store"
)

// AggregateCounter computes viewport totals without loading records.
//
// Counts bypass the viewport cache: votes and membership change too often for
// a five minute TTL. A short-TTL counts cache is used only when configured.
type AggregateCounter struct {
	exec   *QueryExecutor
	counts *cache.CountsCache
}

// Counts returns the total and the per-category breakdown for bounds.
// The head count and the grouped count run concurrently.
func (a *AggregateCounter) Counts(ctx context.Context, bounds geo.Bounds, status string) (poi.Counts, error) {
	status = a.exec.status(status)
	q := store.CountQuery{Bounds: bounds, Status: status}

	key := cache.CountsKey(bounds, status)
	if a.counts != nil {
		if c, ok := a.counts.Get(key); ok {
			return c, nil
		}
	}

	var out poi.Counts
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := runQuery(gctx, a.exec, "count", func(ctx context.Context) (int, error) {
			return a.exec.store.CountRecords(ctx, q)
		})
		out.Total = n
		return err
	})
	g.Go(func() error {
		byCat, err := runQuery(gctx, a.exec, "count_by_category", func(ctx context.Context) (map[string]int, error) {
			return a.exec.store.CountByCategory(ctx, q)
		})
		out.ByCategory = byCat
		return err
	})
	if err := g.Wait(); err != nil {
		return poi.Counts{}, err
	}

	if out.ByCategory == nil {
		out.ByCategory = map[string]int{}
	}
	if a.counts != nil {
		if err := a.counts.Set(key, out); err != nil {
			a.exec.log.Debug().Err(err).Msg("counts cache set failed")
		}
	}
	return out, nil
}
