package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keygate/keygate/internal/analytics"
	"github.com/keygate/keygate/internal/apis"
	"github.com/keygate/keygate/internal/cache"
	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/database"
	"github.com/keygate/keygate/internal/keys"
	"github.com/keygate/keygate/internal/logging"
	"github.com/keygate/keygate/internal/monitoring"
	"github.com/keygate/keygate/internal/ratelimit"
	"github.com/keygate/keygate/internal/server"
	"github.com/keygate/keygate/internal/usagelimit"
	"github.com/keygate/keygate/internal/verify"
	"github.com/keygate/keygate/migrations"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration first
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logging
	logging.Setup(&cfg.Logging, cfg.Server.Env)

	log.Info().
		Str("env", cfg.Server.Env).
		Str("region", cfg.Server.Region).
		Msg("Starting KeyGate API server")

	// Initialize database connection
	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.RunMigrations(cfg.Database.URL, migrations.FS, "."); err != nil {
			log.Fatal().Err(err).Msg("Failed to run migrations")
		}
	}

	// Initialize Redis (counter authority, usage mirror, invalidation bus)
	redis, err := cache.NewRedis(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redis.Close()

	// Initialize Prometheus metrics
	monitoring.Init()

	// Start metrics server if enabled
	if cfg.Monitoring.PrometheusEnabled {
		go startMetricsServer(cfg.Monitoring.PrometheusPort)
	}

	// Background workers stop on this context
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	keyCache := cache.NewKeyCache(cfg.Cache.KeyTTL, cfg.Cache.MaxKeys)
	redis.SubscribeInvalidations(workerCtx, keyCache)

	apiSvc := apis.NewService(db.Pool)
	keySvc := keys.NewService(db.Pool)

	workspaceID, err := apiSvc.EnsureDefaultWorkspace(workerCtx, "default")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure workspace")
	}

	ratelimiter := ratelimit.NewService(redis, &cfg.Ratelimit)
	ratelimiter.StartSweeper(workerCtx, cfg.Ratelimit.SweepInterval)

	usage := usagelimit.NewService(db.Pool, redis, &cfg.Usage)
	usage.Start(workerCtx)

	emitter := analytics.NewEmitter(cfg.Analytics.BufferSize)
	emitter.Start(workerCtx)

	verifier := verify.NewPipeline(keySvc, keyCache, ratelimiter, usage, emitter, cfg.Server.Region)

	srv := server.NewAPIServer(cfg, db, redis, keyCache, keySvc, apiSvc, ratelimiter, usage, verifier, workspaceID)

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Msg("Shutdown signal received, gracefully shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Flush pending credit decrements before dropping connections.
	usage.Flush(ctx)
	stopWorkers()

	log.Info().Msg("Server exited gracefully")
}

func startMetricsServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitoring.Handler())

	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	log.Info().
		Int("port", port).
		Msg("Prometheus metrics server listening")

	if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server error")
	}
}
