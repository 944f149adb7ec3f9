package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ayo6706/arena-settlement/internal/api"
	"github.com/ayo6706/arena-settlement/internal/cache"
	"github.com/ayo6706/arena-settlement/internal/config"
	"github.com/ayo6706/arena-settlement/internal/db"
	"github.com/ayo6706/arena-settlement/internal/ledger"
	"github.com/ayo6706/arena-settlement/internal/observability"
	"github.com/ayo6706/arena-settlement/internal/repository"
	"github.com/ayo6706/arena-settlement/internal/service"
	"github.com/ayo6706/arena-settlement/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type payoutStore interface {
	service.TransactionStore
	Ping(ctx context.Context) error
}

// Run bootstraps the HTTP server and background workers, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	var responseCache *cache.ResponseCache
	if redisClient != nil {
		defer redisClient.Close()
		responseCache = cache.New(redisClient)
	} else {
		responseCache = cache.New(nil)
	}

	network := ledger.Instrument(newNetwork(cfg))
	payoutSvc := service.NewPayoutService(store, network, responseCache, service.Settings{
		NetworkName:    cfg.NetworkName,
		MaxAttempts:    cfg.Settlement.MaxAttempts,
		CallTimeout:    cfg.NetworkCallTimeout,
		ConfirmMaxWait: cfg.Settlement.ConfirmMaxWait,
		StoreTimeout:   cfg.StoreTimeout,
	})

	settlementWorker := worker.NewSettlementWorker(payoutSvc).
		WithPollInterval(cfg.Settlement.PollInterval).
		WithBatchSize(cfg.Settlement.BatchSize).
		WithConcurrency(cfg.Settlement.Concurrency).
		WithMinDwell(cfg.Settlement.MinDwell).
		WithConfirmPollInterval(cfg.Settlement.ConfirmPollInterval).
		WithStuckAfter(cfg.Settlement.StuckAfter).
		WithBackoff(cfg.Settlement.BackoffBase, cfg.Settlement.BackoffMax)
	reconciliationWorker := worker.NewReconciliationWorker(service.NewReconciliationService(payoutSvc, 0)).
		WithInterval(cfg.ReconciliationInterval)

	stopSettlement := settlementWorker.Run(ctx)
	stopReconciliation := reconciliationWorker.Run(ctx)
	logger.Info("workers started", zap.Stringer("settlement", settlementWorker), zap.Duration("reconciliation_interval", cfg.ReconciliationInterval))

	router := api.NewRouter(cfg, logger, api.Dependencies{
		Payouts:    payoutSvc,
		Settlement: settlementWorker,
		Reconciler: reconciliationWorker,
		Cache:      responseCache,
		Store:      store,
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.NetworkCallTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort), zap.String("store", cfg.StoreDriver), zap.String("network", cfg.NetworkMode))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			stopSettlement()
			stopReconciliation()
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("stopping workers")
	stopSettlement()
	stopReconciliation()

	logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (payoutStore, func(), error) {
	if cfg.StoreDriver == config.StoreMemory {
		zap.L().Warn("using in-memory payout store; records are lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return repository.NewPostgresStore(pool), pool.Close, nil
}

func newNetwork(cfg *config.Config) ledger.Network {
	if cfg.NetworkMode == config.NetworkHorizon {
		return ledger.NewHorizonNetwork(cfg.NetworkURL, &http.Client{Timeout: cfg.NetworkCallTimeout})
	}
	return ledger.NewMockNetwork()
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

// newRedisClient returns nil when no URL is configured. An unreachable Redis
// is logged and kept: the response cache degrades to misses until it returns.
func newRedisClient(url string) (*redis.Client, error) {
	if url == "" {
		zap.L().Warn("REDIS_URL not set; response cache disabled")
		return nil, nil
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		zap.L().Warn("redis unreachable at startup; serving without response cache", zap.Error(err))
	}
	return client, nil
}
