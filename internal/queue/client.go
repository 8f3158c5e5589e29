package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Client-side task states surfaced to status queries. These describe the
// queue's transient view of a task; the job row remains the system of
// record once the retention window has passed.
const (
	TaskPending   = "PENDING"
	TaskStarted   = "STARTED"
	TaskSucceeded = "SUCCESS"
	TaskFailed    = "FAILURE"
	TaskUnknown   = "UNKNOWN"
)

type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	queue     string
	timeout   time.Duration
	retention time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, timeout, retention time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Client{
		client:    asynq.NewClient(redisOpt),
		inspector: asynq.NewInspector(redisOpt),
		queue:     queueName,
		timeout:   timeout,
		retention: retention,
	}
}

// EnqueueFuseJob is fire-and-forget from the caller's perspective: no retry
// budget is granted, a failed fuse is recorded on the job row instead of
// being re-driven by the broker. Retention keeps terminal task state
// queryable for a bounded window.
func (c *Client) EnqueueFuseJob(ctx context.Context, payload FuseJobPayload) (*asynq.TaskInfo, error) {
	task, err := NewFuseJobTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(c.timeout),
		asynq.Retention(c.retention),
	)
}

// TaskState resolves the queue's view of a task id. An aged-out or unknown
// id yields TaskUnknown rather than an error so callers can fall back to
// the job row.
func (c *Client) TaskState(ctx context.Context, taskID string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	info, err := c.inspector.GetTaskInfo(c.queue, taskID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return TaskUnknown, nil
		}
		return "", fmt.Errorf("inspect task %s: %w", taskID, err)
	}
	return mapTaskState(info.State), nil
}

func mapTaskState(state asynq.TaskState) string {
	switch state {
	case asynq.TaskStateActive:
		return TaskStarted
	case asynq.TaskStateCompleted:
		return TaskSucceeded
	case asynq.TaskStateArchived:
		return TaskFailed
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry, asynq.TaskStateAggregating:
		return TaskPending
	default:
		return TaskUnknown
	}
}

func (c *Client) Close() error {
	clientErr := c.client.Close()
	inspectorErr := c.inspector.Close()
	if clientErr != nil {
		return clientErr
	}
	return inspectorErr
}
