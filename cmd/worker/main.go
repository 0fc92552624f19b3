package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/propledger/backend/internal/config"
	"github.com/propledger/backend/internal/database"
	"github.com/propledger/backend/internal/logging"
	"github.com/propledger/backend/internal/metrics"
	"github.com/propledger/backend/internal/outbox"
	"github.com/propledger/backend/internal/telemetry"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	db, err := database.InitDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redisClient := database.InitRedis(ctx, cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	var sinks outbox.FanoutSink
	if redisClient != nil {
		sinks = append(sinks,
			outbox.NewRedisQueueSink(redisClient, cfg.Outbox.DedupeTTL),
			outbox.NewCacheInvalidationSink(redisClient))
	}
	if cfg.Outbox.WebhookURL != "" {
		sinks = append(sinks, outbox.NewWebhookSink(cfg.Outbox.WebhookURL,
			&http.Client{Timeout: cfg.Outbox.DeliveryTimeout}, cfg.Outbox.WebhookRPS))
	}
	if len(sinks) == 0 {
		logger.Warn("no delivery sink configured, events are only logged")
		sinks = append(sinks, outbox.NewLogSink(logger))
	}

	workerID := cfg.Outbox.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = host + "-" + uuid.NewString()[:8]
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	metricsServer := &http.Server{Addr: ":" + cfg.Server.Port, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	worker := outbox.NewWorker(outbox.NewPostgresStore(db), sinks, outbox.WorkerConfig{
		WorkerID:        workerID,
		PollInterval:    cfg.Outbox.PollInterval,
		BatchSize:       cfg.Outbox.BatchSize,
		LeaseTTL:        cfg.Outbox.LeaseTTL,
		DeliveryTimeout: cfg.Outbox.DeliveryTimeout,
		Concurrency:     cfg.Outbox.Concurrency,
		Retry: outbox.RetryPolicy{
			MaxAttempts: cfg.Outbox.MaxAttempts,
			Base:        cfg.Outbox.RetryBackoff,
			MaxDelay:    cfg.Outbox.RetryMaxDelay,
		},
	}, outbox.WithLogger(logger), outbox.WithMetrics(m))

	logger.Info("outbox worker starting",
		zap.String("worker_id", workerID),
		zap.Int("sinks", len(sinks)))

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("outbox worker stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", zap.Error(err))
	}
	logger.Info("outbox worker stopped")
}
