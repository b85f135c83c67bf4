package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caja-rds/caja-rds/jobs"
)

func TestBuildTask(t *testing.T) {
	task, err := BuildTask(jobs.TaskLedgerIntegrity, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, jobs.TaskLedgerIntegrity, task.Type())

	task, err = BuildTask(jobs.TaskIdempotencyCleanup, 48*time.Hour)
	require.NoError(t, err)
	var payload jobs.IdempotencyCleanupPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.Equal(t, 48, payload.RetentionHours)

	_, err = BuildTask(jobs.TaskNotificationBroadcast, time.Hour)
	require.Error(t, err)
}

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	c := &JobsCLI{}
	assert.Equal(t, 2, c.Run(context.Background(), nil, &stdout, &stderr))
	assert.Equal(t, 2, c.Run(context.Background(), []string{"trigger"}, &stdout, &stderr))
	assert.Equal(t, 2, c.Run(context.Background(), []string{"explode"}, &stdout, &stderr))
	assert.Equal(t, 1, c.Run(context.Background(), []string{"trigger", jobs.TaskLedgerIntegrity}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "client not configured")
}
