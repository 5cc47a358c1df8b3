// Package metrics declares the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ViewportRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poimap_viewport_requests_total",
		Help: "Viewport loads by dataset and origin (request or prefetch)",
	}, []string{"dataset", "origin"})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poimap_cache_hits_total",
		Help: "Viewport cache hits",
	}, []string{"dataset"})
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poimap_cache_misses_total",
		Help: "Viewport cache misses",
	}, []string{"dataset"})
	CacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poimap_cache_evictions_total",
		Help: "Viewport cache entries removed by TTL or capacity",
	}, []string{"dataset", "reason"})
	QueryDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "poimap_store_query_duration_ms",
		Help:    "Backing store query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	}, []string{"dataset", "query"})
	QueryFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poimap_store_query_failures_total",
		Help: "Backing store queries that failed and were degraded to empty results",
	}, []string{"dataset", "query"})
	PrefetchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "poimap_prefetch_total",
		Help: "Prefetch neighbour fetches by outcome (scheduled, dropped, done, failed, cancelled)",
	}, []string{"dataset", "outcome"})
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "poimap_store_breaker_state",
		Help: "Store circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"dataset"})
)

func init() {
	prometheus.MustRegister(ViewportRequestsTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(QueryDurationMs)
	prometheus.MustRegister(QueryFailuresTotal)
	prometheus.MustRegister(PrefetchTotal)
	prometheus.MustRegister(BreakerState)
}

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }
