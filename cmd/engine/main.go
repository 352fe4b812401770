package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/courierhq/courier/internal/config"
	"github.com/courierhq/courier/internal/db"
	"github.com/courierhq/courier/internal/embeddings"
	"github.com/courierhq/courier/internal/evaluator"
	"github.com/courierhq/courier/internal/health"
	"github.com/courierhq/courier/internal/investigator"
	"github.com/courierhq/courier/internal/queue"
	"github.com/courierhq/courier/internal/retriever"
	"github.com/courierhq/courier/internal/store"
	"github.com/courierhq/courier/internal/watchdog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zcfg := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Observability)
	if err != nil {
		return err
	}
	defer logger.Sync()

	dbClient, err := db.NewClient(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer dbClient.Close()

	redisCli := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisCli.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisCli.Ping(pingCtx).Err(); err != nil {
		cancelPing()
		return fmt.Errorf("ping redis: %w", err)
	}
	cancelPing()

	routeStore := store.NewRouteStore(dbClient.DB(), logger)
	forwardedStore := store.NewForwardedStore(dbClient.DB(), logger)
	agentStore := store.NewAgentStore(dbClient.DB(), logger)
	documentStore := store.NewDocumentStore(dbClient.DB(), logger)
	chunkStore := store.NewChunkStore(dbClient.DB(), logger)

	embedder := embeddings.NewService(
		embeddings.NewHTTPProvider(cfg.Embeddings),
		embeddings.NewRedisCache(redisCli, logger),
		cfg.Embeddings.CacheTTL,
		cfg.Embeddings.MaxLRU,
		logger,
	)

	ret := retriever.New(chunkStore, documentStore, embedder, logger)
	eval := evaluator.New(forwardedStore, logger)
	inv := investigator.New(cfg.Router, routeStore, forwardedStore, agentStore, ret, eval, dbClient, logger)

	publisher := queue.NewPublisher(redisCli, logger)
	hostname, _ := os.Hostname()
	consumer := queue.NewConsumer(redisCli, queue.ConsumerConfig{
		Name:                 hostname,
		Parallelism:          cfg.Router.InvestigationParallelism,
		InvestigationTimeout: cfg.Router.InvestigationTimeout,
	}, inv, publisher, logger)

	wd := watchdog.New(routeStore, publisher, cfg.Watchdog.Period, cfg.Router.InvestigationTimeout, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", health.Handler(logger,
		health.NewDBChecker(dbClient),
		health.NewRedisChecker(redisCli),
	))
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Observability.MetricsPort),
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		consumer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		wd.Run(ctx)
	}()

	logger.Info("Routing engine started",
		zap.Int("metrics_port", cfg.Observability.MetricsPort),
		zap.Int("investigation_parallelism", cfg.Router.InvestigationParallelism),
	)

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	wg.Wait()
	return nil
}
