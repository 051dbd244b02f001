package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/collectfi/market-engine/internal/api"
	"github.com/collectfi/market-engine/internal/asset"
	"github.com/collectfi/market-engine/internal/config"
	"github.com/collectfi/market-engine/internal/engine"
	"github.com/collectfi/market-engine/internal/ledger"
	"github.com/collectfi/market-engine/internal/logging"
	"github.com/collectfi/market-engine/internal/metrics"
	"github.com/collectfi/market-engine/internal/position"
	"github.com/collectfi/market-engine/internal/redemption"
	"github.com/collectfi/market-engine/internal/settlement"
	"github.com/collectfi/market-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Server.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("market-engine failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Store ---
	var st store.Store
	if cfg.Storage.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("database migration: %w", err)
		}
		st = pg
		logger.Info("connected to PostgreSQL")

		if cfg.Storage.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Storage.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { _ = rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
			logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.Storage.CacheTTL))
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Reference data and prices ---
	registry, err := asset.NewRegistry(st, cfg.Storage.MaxAssets, cfg.Storage.CacheTTL, logger.Named("asset"))
	if err != nil {
		return err
	}
	cleanup = append(cleanup, registry.Close)

	prices := ledger.New(registry,
		ledger.WithRetention(cfg.Market.PriceRetention),
		ledger.WithMarketWindow(cfg.Market.MarketDataWindow),
	)

	// --- Positions ---
	var journal position.Journal
	if cfg.Storage.PebblePath != "" {
		pj, err := position.OpenPebbleJournal(cfg.Storage.PebblePath)
		if err != nil {
			return fmt.Errorf("position journal: %w", err)
		}
		cleanup = append(cleanup, func() {
			if err := pj.Flush(); err != nil {
				logger.Error("position journal flush failed", zap.Error(err))
			}
			if err := pj.Close(); err != nil {
				logger.Error("position journal close failed", zap.Error(err))
			}
		})
		journal = pj
	} else {
		logger.Warn("PEBBLE_PATH not set, positions will not survive a restart")
	}
	positions := position.NewStore(prices, journal, logger.Named("position"))
	restored, err := positions.Restore()
	if err != nil {
		return fmt.Errorf("position restore: %w", err)
	}
	if restored > 0 {
		logger.Info("positions restored", zap.Int("count", restored))
	}

	// --- Settlement ---
	var pub settlement.Publisher = settlement.LogPublisher{Logger: logger.Named("settlement")}
	if len(cfg.Settlement.KafkaBrokers) > 0 {
		pub = settlement.NewKafkaPublisher(cfg.Settlement.KafkaBrokers, cfg.Settlement.KafkaTopic)
		logger.Info("settlement publishing to Kafka",
			zap.Strings("brokers", cfg.Settlement.KafkaBrokers),
			zap.String("topic", cfg.Settlement.KafkaTopic),
		)
	}
	sink := settlement.NewAsyncSink(pub, cfg.Settlement.Buffer, logger.Named("settlement"),
		settlement.WithRetry(cfg.Settlement.Retries, cfg.Settlement.RetryBackoff),
		settlement.WithBatchSize(cfg.Settlement.BatchSize),
		settlement.WithDropHook(metrics.SettlementDropped.Inc),
	)

	// --- Core ---
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := api.NewHub(api.HeaderResolver{}, cfg.Server.CORSOrigins, logger.Named("ws"))
	go hub.Run(hubCtx)

	eng := engine.New(engine.Config{
		Assets:    registry,
		Ledger:    prices,
		Positions: positions,
		Store:     st,
		Sink:      sink,
		Listener:  hub,
		Logger:    logger.Named("engine"),
	})
	gate := redemption.New(st, registry, positions, eng,
		redemption.WithSink(sink),
		redemption.WithLogger(logger.Named("redemption")),
	)

	// --- HTTP ---
	handler := api.New(api.Config{
		Exchange:    eng,
		Markets:     prices,
		Positions:   positions,
		Redemptions: gate,
		Assets:      registry,
		Logger:      logger.Named("api"),
		BookDepth:   cfg.Market.BookDepth,
	})
	router := api.NewRouter(handler, hub, api.RouterConfig{
		AdminToken:     cfg.Server.AdminToken,
		RequestTimeout: cfg.Server.WriteTimeout,
		Logger:         logger.Named("http"),
	})
	if cfg.Server.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, admin routes are unprotected")
	}

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", api.AccountHeader, api.AdminTokenHeader},
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      c.Handler(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("market-engine listening", zap.String("port", cfg.Server.Port), zap.String("env", cfg.Server.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down market-engine", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}
	stopHub()
	if err := sink.Close(shutdownCtx); err != nil {
		logger.Error("settlement flush incomplete", zap.Error(err), zap.Int64("dropped", sink.Dropped()))
	}
	logger.Info("market-engine stopped")
	return nil
}
