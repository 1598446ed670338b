package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gachaward/internal/api"
	"gachaward/internal/auth"
	"gachaward/internal/bus"
	"gachaward/internal/config"
	"gachaward/internal/db"
	"gachaward/internal/engine"
	"gachaward/internal/ledger"
	"gachaward/internal/lock"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServiceFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Error("schema migrate failed", "err", err)
		os.Exit(1)
	}

	snaps, err := config.NewStore(cfg.SnapshotPath, logger)
	if err != nil {
		logger.Error("snapshot load failed", "err", err)
		os.Exit(1)
	}

	verifier, err := auth.NewVerifier(cfg.ServiceToken)
	if err != nil {
		logger.Error("auth setup failed", "err", err)
		os.Exit(1)
	}

	eventBus := bus.New(logger, cfg.HandlerTimeout)
	led := ledger.New(pool, logger, snaps)
	locks := lock.NewCoordinator(pool, logger)
	eng, err := engine.New(pool, logger, locks, led, eventBus, snaps, engine.Options{
		LockLease:      cfg.LockLease,
		LockWait:       cfg.LockWait,
		DegradedLockOK: cfg.DegradedLockOK,
	})
	if err != nil {
		logger.Error("engine setup failed", "err", err)
		os.Exit(1)
	}
	progress := engine.NewProgressTracker(eventBus)

	server := api.New(logger, verifier, eng, snaps, progress)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("gachaward api listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
