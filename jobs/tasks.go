package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOrderProcess runs one document through the processing pipeline.
	TaskOrderProcess = "order:process"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// OrderProcessPayload identifies the order to process. The document itself is
// fetched from storage; the queue carries only the key.
type OrderProcessPayload struct {
	Key uuid.UUID `json:"key"`
}

// NewOrderProcessTask constructs an order processing task.
func NewOrderProcessTask(key uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(OrderProcessPayload{Key: key})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOrderProcess, data, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload configures key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask constructs a cleanup task.
func NewIdempotencyCleanupTask(retentionHours int) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}
