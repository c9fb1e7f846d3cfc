// server is the performance core binary for the Portuguese community
// platform: pooled datastore access, response caching, rate limiting
// with abuse detection, and a live monitoring dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/giquina/LusoTown-sub006/internal/api/response"
	"github.com/giquina/LusoTown-sub006/internal/cache"
	"github.com/giquina/LusoTown-sub006/internal/config"
	"github.com/giquina/LusoTown-sub006/internal/logging"
	"github.com/giquina/LusoTown-sub006/internal/metrics"
	"github.com/giquina/LusoTown-sub006/internal/middleware"
	"github.com/giquina/LusoTown-sub006/internal/monitor"
	"github.com/giquina/LusoTown-sub006/internal/optimizer"
	"github.com/giquina/LusoTown-sub006/internal/pool"
	"github.com/giquina/LusoTown-sub006/internal/ratelimit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level))
	logger.Info("Starting performance core",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"monitoring", cfg.Monitoring.Enabled)

	dbPool, err := pool.New(&pool.Config{
		DSN:                cfg.Database.DSN(),
		MinConnections:     cfg.Database.MinConnections,
		MaxConnections:     cfg.Database.MaxConnections,
		ConnectionTimeout:  cfg.Database.ConnectionTimeout,
		IdleTimeout:        cfg.Database.IdleTimeout,
		StatementTimeout:   cfg.Database.StatementTimeout,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	}, logger)
	if err != nil {
		return fmt.Errorf("datastore: %w", err)
	}
	defer dbPool.Close()

	store, counter := selectBackend(cfg, logger)
	defer func() { _ = store.Close() }()

	cacheManager := cache.NewManager(store, cache.DefaultContentConfigs(), logger)
	defer func() { _ = cacheManager.Close() }()

	rlConfig, err := buildRateLimitConfig(cfg)
	if err != nil {
		return err
	}
	limiter, err := ratelimit.NewLimiter(rlConfig, counter, logger)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	detector := ratelimit.NewDetector(rlConfig.Abuse, logger)

	classifier := middleware.NewClassifier(cfg.Auth.JWTSecret, cfg.Auth.PrivilegedKeyHashes, logger)
	stack := middleware.NewStack(cacheManager, limiter, detector, classifier, logger)

	opt := optimizer.New(dbPool, cfg.Database.AutoIndexing, logger)
	if cfg.Database.AutoIndexing {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		if err := opt.EnsureIndexes(ctx); err != nil {
			logger.Warn("Index provisioning incomplete", "error", err.Error())
		}
		cancel()
	}

	registry := metrics.New()
	dashboard := monitor.New(dbPool, cacheManager, stack, detector, monitor.Options{Registry: registry}, logger)
	if cfg.Monitoring.Enabled {
		dashboard.Start(cfg.Monitoring.Interval)
	}

	router := buildRouter(stack, opt, dashboard, registry, dbPool, store)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", "error", err.Error())
	}
	if err := dashboard.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Dashboard shutdown incomplete", "error", err.Error())
	}
	return nil
}

// selectBackend prefers Redis for both caching and rate-limit counting;
// when Redis is unreachable at boot the process still comes up on the
// in-process store so a cache outage never blocks a deploy.
func selectBackend(cfg *config.Config, logger logging.Logger) (cache.Store, ratelimit.Counter) {
	store, err := cache.NewRedisStore(cache.RedisOptions{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
		MaxRetries:   cfg.Redis.MaxRetries,
	})
	if err != nil {
		logger.Warn("Redis unavailable, using in-process store", "error", err.Error())
		mem := cache.NewMemoryStore()
		return mem, ratelimit.NewStoreCounter(mem)
	}
	logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	return store, ratelimit.NewRedisCounter(store.Client())
}

func buildRateLimitConfig(cfg *config.Config) (*ratelimit.Config, error) {
	rl := ratelimit.DefaultConfig()
	rl.Bypass = cfg.Auth.BypassIdentities

	if path := cfg.RateLimit.OverridesFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("rate limit overrides: %w", err)
		}
		if err := rl.ApplyOverrides(data); err != nil {
			return nil, fmt.Errorf("rate limit overrides: %w", err)
		}
	}
	return rl, nil
}

func buildRouter(stack *middleware.Stack, opt *optimizer.Optimizer, dashboard *monitor.Dashboard, registry *metrics.Registry, dbPool *pool.Pool, store cache.Store) chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", healthHandler(dbPool, store))
	r.Handle("/metrics", registry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", stack.Wrap(middleware.Config{
			EnableCaching:               true,
			EnableQueryOptimization:     true,
			EnablePerformanceMonitoring: true,
			ContentType:                 "events",
			RateLimit:                   &middleware.RateLimitSpec{Category: ratelimit.CategoryContent},
		}, eventsHandler(opt)))

		r.Get("/business-directory", stack.Wrap(middleware.Config{
			EnableCaching:               true,
			EnableQueryOptimization:     true,
			EnablePerformanceMonitoring: true,
			ContentType:                 "geolocation",
			RateLimit:                   &middleware.RateLimitSpec{Category: ratelimit.CategoryBusinessDirectory},
		}, businessesHandler(opt)))

		r.Get("/matches", stack.Wrap(middleware.Config{
			EnableCaching:               true,
			EnableQueryOptimization:     true,
			EnablePerformanceMonitoring: true,
			ContentType:                 "matches",
			RateLimit:                   &middleware.RateLimitSpec{Category: ratelimit.CategoryMatching},
		}, matchesHandler(opt)))

		r.Route("/monitoring", func(r chi.Router) {
			admin := middleware.Config{
				EnablePerformanceMonitoring: true,
				RateLimit:                   &middleware.RateLimitSpec{Category: ratelimit.CategoryAdmin},
			}
			r.Get("/dashboard", stack.Wrap(admin, dashboard.DashboardHandler()))
			r.Get("/history", stack.Wrap(admin, dashboard.HistoryHandler()))
			r.Get("/alerts", stack.Wrap(admin, dashboard.AlertsHandler()))
			r.Get("/trends", stack.Wrap(admin, dashboard.TrendsHandler()))
			r.Post("/alerts/acknowledge", stack.Wrap(admin, dashboard.AcknowledgeHandler()))
			r.Get("/performance", stack.Wrap(admin, performanceHandler(opt)))
			r.Get("/stream", dashboard.StreamHandler())
		})
	})

	return r
}

func healthHandler(dbPool *pool.Pool, store cache.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := map[string]string{"database": "up", "cache": "up"}
		healthy := true
		if err := dbPool.Healthy(); err != nil {
			status["database"] = err.Error()
			healthy = false
		}
		if err := store.Ping(ctx); err != nil {
			status["cache"] = err.Error()
			// Degraded cache is survivable; the service still answers.
		}

		if !healthy {
			response.WriteServiceUnavailable(w, "dependencies unhealthy")
			return
		}
		response.WriteSuccess(w, status)
	}
}

func eventsHandler(opt *optimizer.Optimizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		params := optimizer.EventDiscoveryParams{
			SearchTerm: q.Get("search"),
			Limit:      queryInt(q.Get("limit"), 20),
		}
		if cats, ok := q["category"]; ok {
			params.Categories = cats
		}

		result, err := opt.DiscoverEvents(r.Context(), params)
		if err != nil {
			response.WriteInternalError(w, "event discovery failed")
			return
		}
		response.WriteSuccess(w, result.Rows)
	}
}

func businessesHandler(opt *optimizer.Optimizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
		lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
		if latErr != nil || lngErr != nil {
			response.WriteBadRequest(w, "lat and lng are required")
			return
		}

		result, err := opt.SearchBusinessesNearby(r.Context(), optimizer.BusinessSearchParams{
			Latitude:     lat,
			Longitude:    lng,
			RadiusMeters: queryFloat(q.Get("radius"), 0),
			BusinessType: q.Get("type"),
			Limit:        queryInt(q.Get("limit"), 20),
		})
		if err != nil {
			response.WriteInternalError(w, "business search failed")
			return
		}
		response.WriteSuccess(w, result.Rows)
	}
}

func matchesHandler(opt *optimizer.Optimizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		userID := q.Get("user_id")
		if userID == "" {
			response.WriteBadRequest(w, "user_id is required")
			return
		}

		result, err := opt.MatchSuggestions(r.Context(), userID, queryFloat(q.Get("min_score"), 0.6), queryInt(q.Get("limit"), 10))
		if err != nil {
			response.WriteInternalError(w, "match lookup failed")
			return
		}
		response.WriteSuccess(w, result.Rows)
	}
}

// performanceHandler reports per-query sampling within a trailing
// window (?window_minutes, default 60), highest impact first.
func performanceHandler(opt *optimizer.Optimizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window := time.Duration(queryInt(r.URL.Query().Get("window_minutes"), 60)) * time.Minute
		response.WriteSuccess(w, opt.AnalyzePerformance(window))
	}
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
		return parsed
	}
	return fallback
}

func queryFloat(raw string, fallback float64) float64 {
	if raw == "" {
		return fallback
	}
	if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
		return parsed
	}
	return fallback
}
