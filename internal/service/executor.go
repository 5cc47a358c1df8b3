package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/poimap/server/internal/geo"
	"github.com/poimap/server/internal/logging"
	"github.com/poimap/server/internal/metrics"
	"github.com/poimap/server/internal/poi"
	"github.com/poimap/server/internal/policy"
	"github.com/poimap/server/internal/store"
)

// RecordStore is the backing store contract: a bounded range query with
// equality filters and ordering, plus head counts.
type RecordStore interface {
	QueryRecords(ctx context.Context, q store.RecordQuery) ([]poi.Record, error)
	CountRecords(ctx context.Context, q store.CountQuery) (int, error)
	CountByCategory(ctx context.Context, q store.CountQuery) (map[string]int, error)
}

// QueryExecutor issues bounded viewport queries against the store.
type QueryExecutor struct {
	dataset       string
	store         RecordStore
	breaker       *storeBreaker
	defaultStatus string
	timeout       time.Duration
	log           zerolog.Logger
}

func newQueryExecutor(dataset string, st RecordStore, br *storeBreaker, defaultStatus string, timeout time.Duration) *QueryExecutor {
	return &QueryExecutor{
		dataset:       dataset,
		store:         st,
		breaker:       br,
		defaultStatus: defaultStatus,
		timeout:       timeout,
		log:           logging.With().Str("component", "executor").Str("dataset", dataset).Logger(),
	}
}

// Fetch returns at most limit records inside bounds. Failures are logged and
// returned as *QueryError; the result is then nil.
func (e *QueryExecutor) Fetch(ctx context.Context, bounds geo.Bounds, limit int, order policy.OrderStrategy, filters poi.Filters) ([]poi.Record, error) {
	q := store.RecordQuery{
		Bounds:   bounds,
		Status:   e.status(filters.Status),
		Category: filters.Category,
		Order:    order,
		Limit:    limit,
	}

	recs, err := runQuery(ctx, e, "records", func(ctx context.Context) ([]poi.Record, error) {
		return e.store.QueryRecords(ctx, q)
	})
	if err != nil {
		return nil, err
	}

	// Enforce the cap even if a store ignores LIMIT.
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (e *QueryExecutor) status(s string) string {
	if s == "" {
		return e.defaultStatus
	}
	return s
}

// runQuery applies the timeout, breaker, metrics and failure logging shared by
// every store call.
func runQuery[T any](ctx context.Context, e *QueryExecutor, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	v, err := e.breaker.execute(func() (any, error) {
		return fn(ctx)
	})
	metrics.QueryDurationMs.WithLabelValues(e.dataset, op).Observe(float64(time.Since(start).Milliseconds()))

	if err != nil {
		metrics.QueryFailuresTotal.WithLabelValues(e.dataset, op).Inc()
		e.log.Warn().Err(err).Str("op", op).Msg("store query failed, degrading to empty result")
		return zero, &QueryError{Dataset: e.dataset, Op: op, Err: err}
	}
	return v.(T), nil
}
