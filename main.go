package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/liambotongpower/spotplots.com/config"
	"github.com/liambotongpower/spotplots.com/events"
	"github.com/liambotongpower/spotplots.com/handlers"
	"github.com/liambotongpower/spotplots.com/logging"
	"github.com/liambotongpower/spotplots.com/metrics"
	"github.com/liambotongpower/spotplots.com/nearby"
	"github.com/liambotongpower/spotplots.com/report"
	"github.com/liambotongpower/spotplots.com/repository"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// scheduleStore is what the server needs from either store driver.
type scheduleStore interface {
	nearby.Store
	handlers.HealthStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := report.Setup(cfg.SentryDSN, cfg.Env, version); err != nil {
		logger.Fatal("failed to initialise sentry", zap.Error(err))
	}
	defer report.Flush()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		report.ReportError(err)
		logger.Fatal("failed to open schedule store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	publisher := openPublisher(cfg, logger)
	defer publisher.Close()

	collector := metrics.NewCollector()

	svc := nearby.NewService(store, nearby.Options{
		DefaultStrategy: cfg.LocatorStrategy,
		CacheSize:       cfg.RouteCacheSize,
		CacheTTL:        cfg.RouteCacheTTL,
		Metrics:         collector,
		Events:          publisher,
		Logger:          logger.Named("nearby"),
	})

	// cmd/import-gtfs writes to the live store; send SIGHUP afterwards.
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	reloadCtx, stopReload := context.WithCancel(context.Background())
	defer stopReload()
	go purgeOnReload(reloadCtx, reload, svc.PurgeCache, logger)

	nearbyHandler := handlers.NewNearbyHandler(svc, cfg.RequestTimeout, logger.Named("http"))
	healthHandler := handlers.NewHealthHandler(store)

	// Setup router
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(report.Middleware)
	r.Use(collector.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	// Health
	r.Get("/health", healthHandler.GetHealth)
	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/api/ping", healthHandler.Ping)
	r.Handle("/metrics", collector.Handler())

	// Nearby search
	r.Get("/api/nearby-stops", nearbyHandler.GetNearbyStops)
	r.Get("/api/nearby-routes", nearbyHandler.GetNearbyRoutes)
	r.Post("/api/nearby-routes", nearbyHandler.PostNearbyRoutes)
	r.Get("/api/stops/{stopId}/routes", nearbyHandler.GetStopRoutes)

	// Static file serving (if configured)
	if cfg.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(cfg.StaticDir)))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("API server starting",
		zap.String("addr", srv.Addr),
		zap.String("env", cfg.Env),
		zap.String("store", cfg.StoreDriver),
		zap.String("strategy", string(cfg.LocatorStrategy)),
		zap.Strings("endpoints", []string{
			"GET /api/nearby-stops",
			"GET|POST /api/nearby-routes",
			"GET /api/stops/{stopId}/routes",
			"GET /health",
			"GET /metrics",
		}),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		report.ReportError(err)
		logger.Error("server failed", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// openStore connects to the configured schedule store and checks it answers.
func openStore(cfg *config.Config, logger *zap.Logger) (scheduleStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		repo, err := repository.NewPostgresScheduleRepository(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("postgres connection established")
		return repo, repo.Close, nil

	default:
		logger.Info("connecting to SQLite database", zap.String("path", cfg.DatabasePath))
		db, err := repository.NewSQLiteDB(cfg.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("SQLite database connection established")
		return repository.NewSQLiteScheduleRepository(db.GetDB()), func() { db.Close() }, nil
	}
}

// openPublisher connects to NATS when configured. Search events are
// optional, so a failed connection falls back to discarding them.
func openPublisher(cfg *config.Config, logger *zap.Logger) events.Publisher {
	if cfg.NATSURL == "" {
		return events.NopPublisher{}
	}
	pub, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubject, logger.Named("nats"))
	if err != nil {
		report.ReportError(err)
		logger.Warn("search events disabled", zap.String("url", cfg.NATSURL), zap.Error(err))
		return events.NopPublisher{}
	}
	logger.Info("publishing search events", zap.String("url", cfg.NATSURL), zap.String("subject", cfg.NATSSubject))
	return pub
}

// purgeOnReload drops cached route aggregates each time reload fires.
func purgeOnReload(ctx context.Context, reload <-chan os.Signal, purge func(), logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-reload:
			purge()
			logger.Info("route cache purged", zap.String("signal", sig.String()))
		}
	}
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
