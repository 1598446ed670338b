package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gachaward/internal/bus"
	"gachaward/internal/claim"
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

	runOnce := strings.EqualFold(strings.TrimSpace(os.Getenv("GACHAWARD_WORKER_RUN_ONCE")), "true")
	if runOnce {
		runTick(ctx, logger, eng, locks, pool, cfg)
		logger.Info("worker run-once completed")
		return
	}

	ticker := time.NewTicker(cfg.IncomeTickEvery)
	defer ticker.Stop()

	logger.Info("worker started", "tick_every", cfg.IncomeTickEvery.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			runTick(ctx, logger, eng, locks, pool, cfg)
		}
	}
}

func runTick(ctx context.Context, logger *slog.Logger, eng *engine.Engine, locks *lock.Coordinator, pool *pgxpool.Pool, cfg config.ServiceConfig) {
	tickID := time.Now().UTC().Truncate(cfg.IncomeTickEvery).Format(time.RFC3339)
	out, err := eng.IncomeTick(ctx, tickID)
	if err != nil {
		logger.Error("income tick failed", "tick", tickID, "err", err)
	} else {
		logger.Info("income tick complete", "tick", tickID, "paid", out.OwnersPaid, "skipped", out.OwnersSkipped)
	}

	// Hygiene only: lock correctness never depends on the sweep, and income
	// claims age out so the guard table stays bounded.
	if n, err := locks.Sweep(ctx, time.Hour); err != nil {
		logger.Error("lease sweep failed", "err", err)
	} else if n > 0 {
		logger.Info("swept stale leases", "count", n)
	}

	before := time.Now().Add(-cfg.ClaimRetention)
	if n, err := claim.PurgeExpired(ctx, pool, before, "daily", "income"); err != nil {
		logger.Error("claim purge failed", "err", err)
	} else if n > 0 {
		logger.Info("purged old claims", "count", n)
	}
}
