// Package api provides HTTP handlers for the POI map server.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzhttp"

	"github.com/poimap/server/internal/geo"
	"github.com/poimap/server/internal/logging"
	"github.com/poimap/server/internal/metrics"
	"github.com/poimap/server/internal/poi"
	"github.com/poimap/server/internal/service"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string

	// RateLimitRequests per RateLimitWindow per client IP; 0 disables limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	limit := func(next http.Handler) http.Handler { return next }
	if cfg.RateLimitRequests > 0 && cfg.RateLimitWindow > 0 {
		limit = httprate.LimitByIP(cfg.RateLimitRequests, cfg.RateLimitWindow)
	}

	// Default dataset: /api/...
	r.Route("/api", func(r chi.Router) {
		r.Use(limit)
		r.Get("/datasets", datasetsHandler(cfg.Registry))
		r.Group(func(r chi.Router) {
			r.Use(datasetMiddleware(cfg.Registry))
			viewportRoutes(r)
		})
	})

	// Dataset-scoped routes: /d/{dataset}/api/...
	r.Route("/d/{dataset}/api", func(r chi.Router) {
		r.Use(limit)
		r.Use(datasetMiddleware(cfg.Registry))
		viewportRoutes(r)
	})

	return r
}

func viewportRoutes(r chi.Router) {
	r.Get("/viewport", viewportHandler)
	r.Get("/viewport/counts", countsHandler)
	r.Get("/cache/stats", cacheStatsHandler)
	r.Delete("/cache", clearCacheHandler)
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from the URL, falling back to the
// default dataset, and injects its viewport service into the context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Default()
			if datasetID != "" {
				svc = registry.Get(datasetID)
			}
			if svc == nil {
				writeError(w, http.StatusNotFound, "dataset not found: "+datasetID)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.ViewportService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.ViewportService); ok {
		return svc
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

type viewportResponse struct {
	Dataset string       `json:"dataset"`
	Zoom    float64      `json:"zoom"`
	Limit   int          `json:"limit"`
	Order   string       `json:"order"`
	Count   int          `json:"count"`
	Records []poi.Record `json:"records"`
}

func viewportHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)

	req, err := parseViewportRequest(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := svc.LoadViewport(r.Context(), req.bounds(), req.Zoom, service.Options{
		Limit:    req.Limit,
		Category: req.Category,
		Status:   req.Status,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	plan := svc.PlanFor(req.Zoom, req.Limit)
	writeJSON(w, http.StatusOK, viewportResponse{
		Dataset: svc.DatasetID(),
		Zoom:    req.Zoom,
		Limit:   plan.Limit,
		Order:   plan.Order.String(),
		Count:   len(recs),
		Records: recs,
	})
}

func countsHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)

	req, err := parseCountsRequest(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	counts, err := svc.GetCounts(r.Context(), req.bounds(), req.Status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, getDatasetService(r).CacheStats())
}

func clearCacheHandler(w http.ResponseWriter, r *http.Request) {
	getDatasetService(r).ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func writeServiceError(w http.ResponseWriter, err error) {
	var ibe *geo.InvalidBoundsError
	if errors.As(err, &ibe) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logging.Error().Err(err).Msg("unexpected service error")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug().Err(err).Msg("failed to write response")
	}
}
