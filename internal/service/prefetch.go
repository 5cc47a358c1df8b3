package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/poimap/server/internal/geo"
	"github.com/poimap/server/internal/logging"
	"github.com/poimap/server/internal/metrics"
	"github.com/poimap/server/internal/poi"
)

// PrefetchConfig contains prefetch scheduler configuration.
type PrefetchConfig struct {
	Enabled bool
	// Delay before the first neighbour fetch (default 1s).
	Delay time.Duration
	// Stagger is added per neighbour after the first.
	Stagger time.Duration
	// Limit caps each neighbour fetch (default 100).
	Limit int
	// QueueSize bounds neighbour fetches that are queued, waiting or running;
	// extra ones are dropped (default 64).
	QueueSize int
	// RatePerSecond limits neighbour fetches; 0 means unlimited.
	RatePerSecond float64
	Burst         int
}

// prefetchFunc loads one neighbour through the normal cache path.
type prefetchFunc func(ctx context.Context, bounds geo.Bounds, zoom float64, limit int, filters poi.Filters) error

type prefetchJob struct {
	direction geo.Direction
	bounds    geo.Bounds
	zoom      float64
	filters   poi.Filters
	delay     time.Duration
}

// PrefetchScheduler warms the cache for the rectangles around a viewport.
//
// Schedule never blocks. A job holds one of QueueSize slots from Schedule until
// its fetch ends, so a backlog drops new jobs instead of growing. Serve picks
// jobs up; each then sleeps for its delay and fetches. Cancelling the Serve
// context abandons every pending job, and Serve returns only after in-flight
// fetches end.
type PrefetchScheduler struct {
	datasetID string
	cfg       PrefetchConfig
	fetch     prefetchFunc
	limiter   *rate.Limiter
	jobs      chan prefetchJob
	slots     chan struct{}
	log       zerolog.Logger
}

// NewPrefetchScheduler creates a prefetch scheduler that loads neighbours with fetch.
func NewPrefetchScheduler(datasetID string, cfg PrefetchConfig, fetch prefetchFunc) *PrefetchScheduler {
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 4
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &PrefetchScheduler{
		datasetID: datasetID,
		cfg:       cfg,
		fetch:     fetch,
		limiter:   limiter,
		jobs:      make(chan prefetchJob, cfg.QueueSize),
		slots:     make(chan struct{}, cfg.QueueSize),
		log:       logging.With().Str("component", "prefetch").Str("dataset", datasetID).Logger(),
	}
}

// Schedule queues fetches for the four neighbours of bounds. It reports false
// if any neighbour was dropped because the queue was full.
func (p *PrefetchScheduler) Schedule(bounds geo.Bounds, zoom float64, filters poi.Filters) bool {
	ok := true
	for _, job := range p.plan(bounds, zoom, filters) {
		select {
		case p.slots <- struct{}{}:
			// jobs has room for every slot holder
			p.jobs <- job
			metrics.PrefetchTotal.WithLabelValues(p.datasetID, "scheduled").Inc()
		default:
			metrics.PrefetchTotal.WithLabelValues(p.datasetID, "dropped").Inc()
			ok = false
		}
	}
	return ok
}

func (p *PrefetchScheduler) plan(bounds geo.Bounds, zoom float64, filters poi.Filters) [4]prefetchJob {
	var jobs [4]prefetchJob
	for i, n := range geo.Neighbors(bounds, geo.PrefetchPadding(zoom)) {
		jobs[i] = prefetchJob{
			direction: n.Direction,
			bounds:    n.Bounds,
			zoom:      zoom,
			filters:   filters,
			delay:     p.cfg.Delay + time.Duration(i)*p.cfg.Stagger,
		}
	}
	return jobs
}

// Serve implements suture.Service.
func (p *PrefetchScheduler) Serve(ctx context.Context) error {
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			p.drain()
			return ctx.Err()
		case job := <-p.jobs:
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.run(ctx, job)
			}()
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (p *PrefetchScheduler) String() string {
	return "prefetch:" + p.datasetID
}

// drain releases the slots of jobs that never started.
func (p *PrefetchScheduler) drain() {
	for {
		select {
		case <-p.jobs:
			<-p.slots
			metrics.PrefetchTotal.WithLabelValues(p.datasetID, "cancelled").Inc()
		default:
			return
		}
	}
}

func (p *PrefetchScheduler) run(ctx context.Context, job prefetchJob) {
	defer func() { <-p.slots }()

	timer := time.NewTimer(job.delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		metrics.PrefetchTotal.WithLabelValues(p.datasetID, "cancelled").Inc()
		return
	case <-timer.C:
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			metrics.PrefetchTotal.WithLabelValues(p.datasetID, "cancelled").Inc()
			return
		}
	}

	if err := p.fetch(ctx, job.bounds, job.zoom, p.cfg.Limit, job.filters); err != nil {
		metrics.PrefetchTotal.WithLabelValues(p.datasetID, "failed").Inc()
		p.log.Debug().Err(err).Str("direction", job.direction.String()).Msg("prefetch failed")
		return
	}
	metrics.PrefetchTotal.WithLabelValues(p.datasetID, "done").Inc()
}
