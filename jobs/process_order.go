package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/invopipe/invopipe/internal/jobs"
	"github.com/invopipe/invopipe/internal/orders"
	"github.com/invopipe/invopipe/internal/pipeline"
	"github.com/invopipe/invopipe/internal/shared"
)

// ProcessOrderJob drives one pipeline run per queued order. Persistence
// failures bubble up to asynq, whose redelivery is the infrastructure retry
// the pipeline relies on.
type ProcessOrderJob struct {
	Repo      *orders.Repository
	Processor *pipeline.Processor
	Logger    *slog.Logger
	Metrics   *jobmetrics.Metrics
}

// NewProcessOrderJob wires dependencies for the processing handler.
func NewProcessOrderJob(repo *orders.Repository, processor *pipeline.Processor, logger *slog.Logger, metrics *jobmetrics.Metrics) *ProcessOrderJob {
	return &ProcessOrderJob{Repo: repo, Processor: processor, Logger: logger, Metrics: metrics}
}

// Handle processes TaskOrderProcess tasks.
func (j *ProcessOrderJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Repo == nil || j.Processor == nil {
		return errors.New("order process: handler not configured")
	}
	var payload OrderProcessPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskOrderProcess)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("order_key", payload.Key.String()))

	doc, err := j.Repo.GetDocument(ctx, payload.Key)
	if err != nil {
		if errors.Is(err, orders.ErrNotFound) {
			logger.Warn("jobs.process.document_missing")
			resultErr = nil
			return asynq.SkipRetry
		}
		logger.Error("jobs.process.load_document", slog.Any("error", err))
		resultErr = err
		return resultErr
	}

	rec, err := j.Processor.Process(ctx, doc)
	if err != nil {
		if errors.Is(err, shared.ErrPersistence) {
			logger.Error("jobs.process.persistence", slog.Any("error", err))
		} else {
			logger.Error("jobs.process.run", slog.Any("error", err))
		}
		resultErr = err
		return resultErr
	}

	logger.Info("jobs.process.done",
		slog.String("state", string(rec.State)),
		slog.Int("attempts", rec.Attempts),
	)
	return nil
}

func (j *ProcessOrderJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *ProcessOrderJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
