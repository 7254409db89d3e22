package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/invopipe/invopipe/internal/app"
	"github.com/invopipe/invopipe/internal/extraction"
	jobmetrics "github.com/invopipe/invopipe/internal/jobs"
	"github.com/invopipe/invopipe/internal/observability"
	"github.com/invopipe/invopipe/internal/orders"
	"github.com/invopipe/invopipe/internal/pipeline"
	"github.com/invopipe/invopipe/internal/platform/cache"
	"github.com/invopipe/invopipe/internal/platform/db"
	"github.com/invopipe/invopipe/internal/shared"
	"github.com/invopipe/invopipe/internal/suppliers"
	"github.com/invopipe/invopipe/internal/validation"
	"github.com/invopipe/invopipe/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	workerMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	supplierRepo := suppliers.NewRepository(pool)
	versions := suppliers.NewVersionCounter(redisClient)
	resolver := suppliers.NewResolver(supplierRepo, versions, logger)

	gateway := extraction.NewClient(extraction.Config{
		APIKey:          cfg.OpenAIAPIKey,
		BaseURL:         cfg.OpenAIBaseURL,
		Model:           cfg.ExtractionModel,
		EscalationModel: cfg.EscalationModel,
		Temperature:     cfg.ExtractionTemperature,
		Timeout:         cfg.ExtractionTimeout,
		LenientOptional: true,
	}, logger)

	orderRepo := orders.NewRepository(pool)
	processor := pipeline.NewProcessor(
		logger,
		resolver,
		gateway,
		validation.NewEngine(logger),
		orderRepo,
		metrics,
		pipeline.Config{MaxAttempts: cfg.MaxAttempts},
	)

	processJob := jobs.NewProcessOrderJob(orderRepo, processor, logger, workerMetrics)

	idempotencyStore := shared.NewIdempotencyStore(pool)
	cleanupJob := jobs.NewIdempotencyCleanupJob(idempotencyStore, logger, workerMetrics)
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetentionHrs)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskOrderProcess, Handler: processJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.IdempotencyRetentionCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
