package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/invopipe/invopipe/internal/jobs"
	"github.com/invopipe/invopipe/internal/shared"
)

// DefaultIdempotencyRetentionHours keeps ingest keys for a week.
const DefaultIdempotencyRetentionHours = 24 * 7

// IdempotencyCleanupJob prunes expired idempotency keys so re-submissions of
// long-settled documents are not rejected forever.
type IdempotencyCleanupJob struct {
	Store   *shared.IdempotencyStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob wires dependencies for the cleanup handler.
func NewIdempotencyCleanupJob(store *shared.IdempotencyStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle processes TaskIdempotencyCleanup tasks.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionHours <= 0 {
		payload.RetentionHours = DefaultIdempotencyRetentionHours
	}

	tracker := j.metrics().Track(TaskIdempotencyCleanup)
	retention := time.Duration(payload.RetentionHours) * time.Hour
	err := j.Store.Cleanup(ctx, retention)
	if err != nil {
		j.logger().Error("jobs.idempotency_cleanup", slog.Any("error", err))
	} else {
		j.logger().Info("jobs.idempotency_cleanup.done", slog.Duration("retention", retention))
	}
	return tracker.End(err)
}

func (j *IdempotencyCleanupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *IdempotencyCleanupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
