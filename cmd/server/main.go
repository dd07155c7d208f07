// Package main is the entrypoint for the CallSight API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callsight/callsight/internal/ai"
	"github.com/callsight/callsight/internal/analysis"
	"github.com/callsight/callsight/internal/api"
	"github.com/callsight/callsight/internal/api/handler"
	mw "github.com/callsight/callsight/internal/api/middleware"
	"github.com/callsight/callsight/internal/cache"
	"github.com/callsight/callsight/internal/config"
	"github.com/callsight/callsight/internal/dispatch"
	"github.com/callsight/callsight/internal/notify"
	"github.com/callsight/callsight/internal/stall"
	"github.com/callsight/callsight/internal/store"
	"github.com/callsight/callsight/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"ai_provider", cfg.AI.Provider,
		"worker_mode", cfg.Worker.Mode,
		"env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create AI provider
	aiProvider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return fmt.Errorf("create AI provider: %w", err)
	}
	slog.Info("AI provider initialized", "provider", aiProvider.Name())

	// 6. Create store, worker, and dispatch trigger
	pgStore := store.NewPostgresStore(pool)

	analysisWorker := worker.New(pgStore, redisCache, aiProvider,
		cfg.AI.InferenceTimeout, cfg.Worker.HeartbeatInterval, cfg.Worker.AnalysesPerMinute)

	var trigger dispatch.Trigger
	if cfg.Worker.Mode == "http" {
		trigger = dispatch.NewHTTPTrigger(cfg.Worker.URL, cfg.Worker.Credential)
	} else {
		trigger = dispatch.NewLocalTrigger(analysisWorker)
	}

	svc := analysis.NewService(pgStore, redisCache, trigger, analysisWorker)

	// 7. Start the call event listener and stall detector
	hub := notify.NewHub()
	listener := notify.NewListener(cfg.Database.URL, hub, redisCache)
	go listener.Run(ctx)

	detector := stall.NewDetector(pgStore, cfg.Stall)
	if err := detector.Start(); err != nil {
		return fmt.Errorf("start stall detector: %w", err)
	}
	defer detector.Stop()

	// 8. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: handler.NewHealthHandler(pgStore, redisCache),

		SubmitCallHandler: handler.NewSubmitCallHandler(svc),
		GetCallHandler:    handler.NewGetCallHandler(svc),
		ListCallsHandler:  handler.NewListCallsHandler(svc),
		CallEventsHandler: handler.NewCallEventsHandler(svc, hub),
		RetryHandler:      handler.NewRetryHandler(svc),
		ReanalyzeHandler:  handler.NewReanalyzeHandler(svc),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),

		StalledCallsHandler:  handler.NewStalledCallsHandler(svc, cfg.Stall.CallThreshold),
		StartBackfillHandler: handler.NewStartBackfillHandler(svc),
		BackfillStepHandler:  handler.NewBackfillStepHandler(svc),
		GetJobHandler:        handler.NewGetJobHandler(svc),

		WorkerAnalyzeHandler: handler.NewWorkerAnalyzeHandler(analysisWorker, cfg.Worker.Credential),
	}

	router := api.NewRouter(deps)

	// 9. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // backfill steps and websockets outlive normal requests
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
