// Package main is the entry point for the POI map server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/poimap/server/internal/api"
	"github.com/poimap/server/internal/cache"
	"github.com/poimap/server/internal/config"
	"github.com/poimap/server/internal/logging"
	"github.com/poimap/server/internal/service"
	"github.com/poimap/server/internal/store"
	"github.com/poimap/server/internal/supervisor"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; real environment variables win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		logging.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
	logging.Info().Msg("server stopped")
}

// run serves until ctx is cancelled. Every store and service opened here is
// closed before it returns.
func run(ctx context.Context, cfg *config.Config) error {
	logging.Info().Int("port", cfg.Server.Port).Msg("starting POI map server")

	tree := supervisor.NewTree(supervisor.TreeConfig{ShutdownTimeout: cfg.ShutdownTimeout()})

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Server.Title)
	defer registry.Close()

	logging.Info().Int("datasets", len(datasetIDs)).Str("default", cfg.Data.DefaultDataset).Msg("initializing datasets")

	// Initialize each dataset
	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]

		st, err := store.Open(store.Config{
			Driver:       ds.Driver,
			DSN:          ds.DSN,
			MaxOpenConns: cfg.Store.MaxOpenConns,
		})
		if err != nil {
			return fmt.Errorf("dataset %q: %w", datasetID, err)
		}
		defer st.Close()

		if ds.AutoMigrate {
			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("dataset %q: failed to migrate schema: %w", datasetID, err)
			}
		}
		if err := st.Ping(ctx); err != nil {
			// The breaker and empty-result degradation cover an unreachable
			// store; start anyway.
			logging.Warn().Err(err).Str("dataset", datasetID).Msg("store not reachable")
		}

		svc, err := service.NewViewportService(service.ViewportServiceConfig{
			DatasetID: datasetID,
			Store:     st,
			Cache: cache.Config{
				TTL:        cfg.CacheTTL(),
				MaxEntries: cfg.Cache.MaxEntries,
			},
			DefaultStatus: ds.DefaultStatus,
			QueryTimeout:  cfg.QueryTimeout(),
			Breaker: service.BreakerConfig{
				MaxFailures: uint32(cfg.Breaker.MaxFailures),
				OpenTimeout: time.Duration(cfg.Breaker.OpenTimeoutSeconds) * time.Second,
			},
			CountsTTL:    cfg.CountsTTL(),
			CountsSizeMB: cfg.Cache.CountsSizeMB,
			SingleFlight: cfg.Cache.SingleFlight,
			Prefetch: service.PrefetchConfig{
				Enabled:       cfg.Prefetch.IsEnabled(),
				Delay:         time.Duration(cfg.Prefetch.DelayMs) * time.Millisecond,
				Stagger:       time.Duration(cfg.Prefetch.StaggerMs) * time.Millisecond,
				Limit:         cfg.Prefetch.Limit,
				QueueSize:     cfg.Prefetch.QueueSize,
				RatePerSecond: cfg.Prefetch.RatePerSecond,
				Burst:         cfg.Prefetch.Burst,
			},
		})
		if err != nil {
			return fmt.Errorf("dataset %q: %w", datasetID, err)
		}
		registry.Register(api.DatasetInfo{ID: datasetID, Name: ds.Name}, svc)

		if p := svc.Prefetcher(); p != nil {
			tree.AddPrefetchService(p)
		}
		logging.Info().Str("dataset", datasetID).Str("driver", st.Driver()).Bool("prefetch", svc.Prefetcher() != nil).Msg("dataset ready")
	}
	if err := registry.SetDefault(cfg.Data.DefaultDataset); err != nil {
		return err
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:          registry,
		CORSOrigins:       cfg.Server.CORSOrigins,
		RateLimitRequests: cfg.Server.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow(),
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	tree.AddAPIService(supervisor.NewHTTPServerService(server, cfg.ShutdownTimeout()))

	logging.Info().Msgf("server listening on http://localhost:%d", cfg.Server.Port)
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor stopped: %w", err)
	}
	return nil
}
