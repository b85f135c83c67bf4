package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/caja-rds/caja-rds/internal/notifications"
)

const (
	// QueueDefault carries scheduled maintenance jobs.
	QueueDefault = "default"
	// QueueNotifications carries broadcast fan-outs.
	QueueNotifications = "notifications"

	// TaskNotificationBroadcast fans a broadcast out to every active user.
	TaskNotificationBroadcast = "notifications:broadcast"
	// TaskLedgerIntegrity compares stored balances with the ledger.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskIdempotencyCleanup purges expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// IdempotencyCleanupPayload configures a cleanup run.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewBroadcastTask wraps a broadcast for the notifications queue. The batch id
// doubles as the task id so a retried enqueue never duplicates the fan-out.
func NewBroadcastTask(task notifications.BroadcastTask) (*asynq.Task, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotificationBroadcast, data,
		asynq.TaskID(task.BatchID),
		asynq.Queue(QueueNotifications),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	), nil
}

// NewLedgerIntegrityTask builds the integrity task.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil, asynq.Queue(QueueDefault))
}

// NewIdempotencyCleanupTask builds the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.Queue(QueueDefault)), nil
}
