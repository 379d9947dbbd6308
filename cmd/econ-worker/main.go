package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"econempire/internal/config"
	"econempire/internal/db"
	"econempire/internal/game"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
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

	svc := game.NewService(pool, game.NewStateStore(), game.NopBroadcaster{}, cfg.OperatorEmails, logger)

	runOnce := strings.EqualFold(strings.TrimSpace(os.Getenv("ECON_WORKER_RUN_ONCE")), "true")
	if runOnce {
		if err := sweep(ctx, svc, cfg); err != nil {
			logger.Error("sweep failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	ticker := time.NewTicker(cfg.WorkerSweep)
	defer ticker.Stop()

	logger.Info("worker started", "sweep_every", cfg.WorkerSweep.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			if err := sweep(ctx, svc, cfg); err != nil {
				logger.Error("sweep failed", "err", err)
			}
		}
	}
}

// sweep runs the periodic maintenance passes: expire trades nobody answered,
// clear online flags left behind by dead sessions, prune old audit entries.
func sweep(ctx context.Context, svc *game.Service, cfg config.APIConfig) error {
	if _, err := svc.ExpireStaleTrades(ctx, cfg.TradeExpiry); err != nil {
		return err
	}
	if _, err := svc.SweepStaleOnline(ctx, cfg.PresenceStale); err != nil {
		return err
	}
	if _, err := svc.PruneAuditLogs(ctx, cfg.AuditRetention); err != nil {
		return err
	}
	return nil
}
