package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"memetrade/internal/api"
	"memetrade/internal/auth"
	"memetrade/internal/config"
	"memetrade/internal/db"
	"memetrade/internal/events"
	"memetrade/internal/notify"
	"memetrade/internal/store/memory"
	"memetrade/internal/store/postgres"
	"memetrade/internal/trade"
)

const memorySweepEvery = 5 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "err", err)
		os.Exit(1)
	}
	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var store trade.Store
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		store = memory.New()
	default:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("db connect failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		if cfg.AutoMigrate {
			if err := db.Migrate(ctx, pool); err != nil {
				logger.Error("schema migration failed", "err", err)
				os.Exit(1)
			}
		}
		store = postgres.New(pool, logger)
	}

	hub := notify.NewHub(notify.HubConfig{OriginPatterns: cfg.WSOrigins}, logger)
	var notifier trade.Notifier = hub
	if cfg.RedisURL != "" {
		rdb, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("redis connect failed", "err", err)
			os.Exit(1)
		}
		defer rdb.Close()
		broker := notify.NewRedisBroker(rdb, notify.DefaultChannel, hub, logger)
		go func() {
			if err := broker.Run(ctx); err != nil {
				logger.Error("notification fan-out stopped", "err", err)
			}
		}()
		notifier = broker
	}

	opts := []trade.Option{
		trade.WithOfferTTL(cfg.OfferTTL),
		trade.WithStarterCoins(cfg.StarterCoins),
	}
	if cfg.AMQPURL != "" {
		pub, err := events.Dial(cfg.AMQPURL, cfg.AuditExchange, logger)
		if err != nil {
			logger.Error("rabbitmq setup failed", "err", err)
			os.Exit(1)
		}
		defer pub.Close()
		opts = append(opts, trade.WithAudit(pub))
	}

	tickets, err := auth.NewTicketIssuer(cfg.TicketSecret, cfg.TicketTTL)
	if err != nil {
		logger.Error("ticket issuer init failed", "err", err)
		os.Exit(1)
	}
	authClient := auth.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	svc := trade.NewService(store, notifier, logger, opts...)
	if cfg.Store == config.StoreMemory {
		// No worker can see this process's memory, so expiry is swept here.
		go sweepOffers(ctx, svc, memorySweepEvery, logger)
	}

	server := api.New(logger, authClient, tickets, svc, hub)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		hub.Shutdown()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("memetrade api listening", "addr", cfg.Addr, "store", cfg.Store, "offer_ttl", cfg.OfferTTL.String())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func sweepOffers(ctx context.Context, svc *trade.Service, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
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
