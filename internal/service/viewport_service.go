// Package service provides the viewport loading logic for the POI map server.
package service

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/poimap/server/internal/cache"
	"github.com/poimap/server/internal/geo"
	"github.com/poimap/server/internal/logging"
	"github.com/poimap/server/internal/metrics"
	"github.com/poimap/server/internal/poi"
	"github.com/poimap/server/internal/policy"
)

// Options narrows a LoadViewport call. Zero values select the defaults.
type Options struct {
	Limit    int
	Category string
	Status   string
}

// ViewportServiceConfig contains viewport service configuration.
type ViewportServiceConfig struct {
	DatasetID     string
	Store         RecordStore
	Cache         cache.Config
	Policy        policy.Table
	DefaultStatus string
	QueryTimeout  time.Duration
	Breaker       BreakerConfig

	// CountsTTL > 0 enables the short-TTL counts cache.
	CountsTTL    time.Duration
	CountsSizeMB int

	// SingleFlight coalesces concurrent misses of one key into one fetch.
	SingleFlight bool

	// Prefetch is ignored when Prefetch.Enabled is false.
	Prefetch PrefetchConfig
}

// ViewportService answers "which records are visible in this rectangle at
// this zoom" through a quantized cache in front of the store.
type ViewportService struct {
	datasetID     string
	policy        policy.Table
	defaultStatus string

	cache    *cache.ViewportCache
	counts   *cache.CountsCache
	executor *QueryExecutor
	counter  *AggregateCounter
	prefetch *PrefetchScheduler
	flight   *singleflight.Group

	log zerolog.Logger
}

// NewViewportService creates a viewport service.
func NewViewportService(cfg ViewportServiceConfig) (*ViewportService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("viewport service %q: store is required", cfg.DatasetID)
	}
	datasetID := cfg.DatasetID
	if datasetID == "" {
		datasetID = "default"
	}
	if len(cfg.Policy) == 0 {
		cfg.Policy = policy.DefaultTable
	}
	if cfg.DefaultStatus == "" {
		cfg.DefaultStatus = poi.DefaultStatus
	}

	cacheCfg := cfg.Cache
	userEvict := cacheCfg.OnEvict
	cacheCfg.OnEvict = func(reason cache.EvictReason, n int) {
		metrics.CacheEvictionsTotal.WithLabelValues(datasetID, string(reason)).Add(float64(n))
		if userEvict != nil {
			userEvict(reason, n)
		}
	}
	vc, err := cache.NewViewportCache(cacheCfg)
	if err != nil {
		return nil, err
	}

	s := &ViewportService{
		datasetID:     datasetID,
		policy:        cfg.Policy,
		defaultStatus: cfg.DefaultStatus,
		cache:         vc,
		log:           logging.With().Str("component", "viewport").Str("dataset", datasetID).Logger(),
	}

	if cfg.CountsTTL > 0 {
		s.counts, err = cache.NewCountsCache(cache.CountsConfig{
			TTL:    cfg.CountsTTL,
			SizeMB: cfg.CountsSizeMB,
			Now:    cfg.Cache.Now,
		})
		if err != nil {
			return nil, err
		}
	}

	br := newStoreBreaker(datasetID, cfg.Breaker)
	s.executor = newQueryExecutor(datasetID, cfg.Store, br, cfg.DefaultStatus, cfg.QueryTimeout)
	s.counter = &AggregateCounter{exec: s.executor, counts: s.counts}

	if cfg.SingleFlight {
		s.flight = &singleflight.Group{}
	}
	if cfg.Prefetch.Enabled {
		s.prefetch = NewPrefetchScheduler(datasetID, cfg.Prefetch, s.prefetchLoad)
	}
	return s, nil
}

// DatasetID returns the dataset this service serves.
func (s *ViewportService) DatasetID() string {
	return s.datasetID
}

// Prefetcher returns the prefetch scheduler, or nil when prefetch is disabled.
// Its Serve method must be run by the owner of the service.
func (s *ViewportService) Prefetcher() *PrefetchScheduler {
	return s.prefetch
}

// LoadViewport returns the records visible in bounds at zoom.
//
// Only an *geo.InvalidBoundsError is returned. Store failures are logged and
// yield an empty list, and nothing is cached for them. Every successful load
// schedules a best-effort prefetch of the four neighbouring rectangles.
func (s *ViewportService) LoadViewport(ctx context.Context, bounds geo.Bounds, zoom float64, opts Options) ([]poi.Record, error) {
	if err := validate(bounds, zoom); err != nil {
		return nil, err
	}

	metrics.ViewportRequestsTotal.WithLabelValues(s.datasetID, "request").Inc()
	recs, err := s.load(ctx, bounds, zoom, opts)
	if err != nil {
		return []poi.Record{}, nil
	}

	if s.prefetch != nil {
		s.prefetch.Schedule(bounds, zoom, poi.Filters{Category: opts.Category, Status: opts.Status})
	}
	return recs, nil
}

// GetCounts returns the total and per-category counts inside bounds.
// Store failures degrade to zero counts.
func (s *ViewportService) GetCounts(ctx context.Context, bounds geo.Bounds, status string) (poi.Counts, error) {
	if err := bounds.Validate(); err != nil {
		return poi.Counts{}, err
	}
	c, err := s.counter.Counts(ctx, bounds, status)
	if err != nil {
		return poi.Counts{ByCategory: map[string]int{}}, nil
	}
	return c, nil
}

// ClearCache drops every cached viewport and count.
func (s *ViewportService) ClearCache() {
	s.cache.Clear()
	if s.counts != nil {
		if err := s.counts.Reset(); err != nil {
			s.log.Warn().Err(err).Msg("failed to reset counts cache")
		}
	}
	s.log.Info().Msg("cache cleared")
}

// CacheStats returns a snapshot of the viewport cache.
func (s *ViewportService) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Close releases the counts cache.
func (s *ViewportService) Close() error {
	if s.counts != nil {
		return s.counts.Close()
	}
	return nil
}

// Plan describes how a request at zoom will be shaped.
type Plan struct {
	Limit int                  `json:"limit"`
	Order policy.OrderStrategy `json:"-"`
	// LimitOverride is the explicit limit when it differs from the policy limit.
	LimitOverride int `json:"-"`
}

// PlanFor resolves the limit and ordering for zoom and a requested limit.
// An explicit limit replaces the policy limit, capped at the table maximum.
func (s *ViewportService) PlanFor(zoom float64, requested int) Plan {
	b := s.policy.Lookup(zoom)
	p := Plan{Limit: b.Limit, Order: b.Order}
	if requested > 0 {
		p.Limit = min(requested, s.policy.MaxLimit())
		if p.Limit != b.Limit {
			p.LimitOverride = p.Limit
		}
	}
	return p
}

// load runs quantize → cache → fetch → cache. It is the error-returning seam
// beneath LoadViewport; a *QueryError means the store failed.
func (s *ViewportService) load(ctx context.Context, bounds geo.Bounds, zoom float64, opts Options) ([]poi.Record, error) {
	plan := s.PlanFor(zoom, opts.Limit)
	filters := poi.Filters{Category: opts.Category}
	if opts.Status != s.defaultStatus {
		filters.Status = opts.Status
	}

	key := cache.ViewportKey(bounds, zoom, cache.FilterKey(filters, plan.LimitOverride))
	if e, ok := s.cache.Get(key); ok {
		metrics.CacheHitsTotal.WithLabelValues(s.datasetID).Inc()
		return slices.Clone(e.Records), nil
	}
	metrics.CacheMissesTotal.WithLabelValues(s.datasetID).Inc()

	fetch := func(ctx context.Context) ([]poi.Record, error) {
		recs, err := s.executor.Fetch(ctx, bounds, plan.Limit, plan.Order, filters)
		if err != nil {
			return nil, err
		}
		s.cache.Put(key, recs, bounds)
		return recs, nil
	}

	if s.flight == nil {
		recs, err := fetch(ctx)
		return nonNil(recs), err
	}

	// Waiters share one fetch; detach it from the first caller's cancellation.
	v, err, _ := s.flight.Do(key, func() (any, error) {
		return fetch(context.WithoutCancel(ctx))
	})
	if err != nil {
		return []poi.Record{}, err
	}
	return nonNil(slices.Clone(v.([]poi.Record))), nil
}

// prefetchLoad warms the cache for one neighbour. It never schedules further prefetches.
func (s *ViewportService) prefetchLoad(ctx context.Context, bounds geo.Bounds, zoom float64, limit int, filters poi.Filters) error {
	if err := validate(bounds, zoom); err != nil {
		return err
	}
	metrics.ViewportRequestsTotal.WithLabelValues(s.datasetID, "prefetch").Inc()
	_, err := s.load(ctx, bounds, zoom, Options{Limit: limit, Category: filters.Category, Status: filters.Status})
	return err
}

func validate(bounds geo.Bounds, zoom float64) error {
	if err := bounds.Validate(); err != nil {
		return err
	}
	if math.IsNaN(zoom) || math.IsInf(zoom, 0) {
		return &geo.InvalidBoundsError{Bounds: bounds, Reason: "non-finite zoom"}
	}
	return nil
}

func nonNil(recs []poi.Record) []poi.Record {
	if recs == nil {
		return []poi.Record{}
	}
	return recs
}
