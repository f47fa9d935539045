package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memetrade/internal/config"
	"memetrade/internal/db"
	"memetrade/internal/notify"
	"memetrade/internal/store/postgres"
	"memetrade/internal/trade"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadWorkerFromEnv()
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

	// Expiry notices reach connected users only through the shared channel;
	// without Redis the worker just records the expiry.
	var notifier trade.Notifier
	if cfg.RedisURL != "" {
		rdb, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("redis connect failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		notifier = notify.NewRedisBroker(rdb, notify.DefaultChannel, nil, logger)
	}

	svc := trade.NewService(postgres.New(pool, logger), notifier, logger)

	if cfg.RunOnce {
		n, err := svc.SweepExpiredOffers(ctx)
		if err != nil {
			logger.Error("offer sweep failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed", "expired", n)
		return
	}

	ticker := time.NewTicker(cfg.SweepEvery)
	defer ticker.Stop()

	logger.Info("worker started", "sweep_every", cfg.SweepEvery.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			n, err := svc.SweepExpiredOffers(ctx)
			if err != nil {
				logger.Error("offer sweep failed", "err", err)
				continue
			}
			if n > 0 {
				logger.Info("expired offers swept", "count", n)
			}
		}
	}
}
