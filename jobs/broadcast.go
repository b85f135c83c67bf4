package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/caja-rds/caja-rds/internal/jobs"
	"github.com/caja-rds/caja-rds/internal/notifications"
)

// FanOuter delivers a broadcast to every active user.
type FanOuter interface {
	FanOut(ctx context.Context, task notifications.BroadcastTask) (notifications.SendResult, error)
}

// BroadcastJob processes TaskNotificationBroadcast tasks.
type BroadcastJob struct {
	Notifications FanOuter
	Logger        *slog.Logger
	Metrics       *jobmetrics.Metrics
}

// NewBroadcastJob initialises the broadcast handler.
func NewBroadcastJob(svc FanOuter, logger *slog.Logger, metrics *jobmetrics.Metrics) *BroadcastJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &BroadcastJob{Notifications: svc, Logger: logger, Metrics: metrics}
}

// Handle fans the broadcast out. Per-recipient failures are counted, not
// retried; only a failure to load recipients returns an error.
func (j *BroadcastJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Notifications == nil {
		return errors.New("broadcast: handler not configured")
	}
	var task notifications.BroadcastTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("broadcast: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskNotificationBroadcast)
	defer func() { err = tracker.End(err) }()

	res, err := j.Notifications.FanOut(ctx, task)
	if err != nil {
		j.Logger.Error("broadcast fan-out failed", slog.String("batch_id", task.BatchID), slog.Any("error", err))
		return err
	}
	j.Metrics.AddDeliveries(res.Delivered, res.Failed)
	return nil
}
