// Command indexer is the long-running ingestion service: it consumes
// document events from Kafka into per-shard index engines, spills batches
// on a timer and serves health probes, admin endpoints and Prometheus
// metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/admin"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/internal/indexer/shard"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/bm25-lsm-index/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	var mtr *metrics.Metrics
	if cfg.Metrics.Enabled {
		mtr = metrics.New()
	}
	router, err := shard.NewRouter(cfg.Indexer, cfg.Indexer.NumShards, mtr)
	if err != nil {
		slog.Error("failed to open shard engines", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := router.Close(); err != nil {
			slog.Error("closing shard engines", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := health.NewChecker()
	checker.RegisterPing("index_engines", true, func(ctx context.Context) error {
		for id, engine := range router.GetAllEngines() {
			if _, err := engine.Stats(); err != nil {
				return fmt.Errorf("shard %d: %w", id, err)
			}
		}
		return nil
	})

	var status consumer.StatusStore
	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Warn("postgres unavailable, document status will not be updated", "error", err)
	} else {
		defer db.Close()
		status = db
		checker.RegisterPing("postgres", false, db.DB.PingContext)
	}

	for shardID, engine := range router.GetAllEngines() {
		engine.StartFlushLoop(ctx)
		slog.Debug("flush loop started", "shard_id", shardID)
	}

	routes := admin.New(router).Routes()
	routes["GET /health/live"] = checker.LiveHandler()
	routes["GET /health/ready"] = checker.ReadyHandler()
	shutdownAdmin := metrics.StartServer(cfg.Server.Port, routes)

	ic := consumer.New(router, status, cfg.Postgres.DocumentTable)
	kafkaConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest, ic.Handler())
	slog.Info("indexer service ready",
		"topic", cfg.Kafka.Topics.DocumentIngest,
		"group", cfg.Kafka.ConsumerGroup,
		"num_shards", router.NumShards(),
	)
	if err := kafkaConsumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := shutdownAdmin(shutdownCtx); err != nil {
		slog.Error("admin server shutdown", "error", err)
	}
	slog.Info("spilling all shards before shutdown")
	if err := router.FlushAll(shutdownCtx); err != nil {
		slog.Error("final spill failed", "error", err)
	}
	slog.Info("indexer service stopped")
}
