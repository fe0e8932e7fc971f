package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/reelforge/reelforge/pkg/core"
)

// Client enqueues pipeline commands for the competing-consumer workers.
type Client struct {
	inner       *asynq.Client
	taskTimeout time.Duration
}

// NewClient connects a producer to the queue. taskTimeout bounds a single
// command's processing; a run that outlives it loses its context and is
// redelivered, relying on the idempotent skip paths to avoid rework, so
// size it above the longest expected pipeline run.
func NewClient(redisAddr, redisPassword string, taskTimeout time.Duration) *Client {
	if taskTimeout <= 0 {
		taskTimeout = 2 * time.Hour
	}
	return &Client{
		inner: asynq.NewClient(asynq.RedisClientOpt{
			Addr:     redisAddr,
			Password: redisPassword,
		}),
		taskTimeout: taskTimeout,
	}
}

// Enqueue submits one command. Retries stay low because the handler
// classifies its own failures.
func (c *Client) Enqueue(ctx context.Context, cmd *core.Command) (string, error) {
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.New().String()
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("marshal command: %w", err)
	}

	task := asynq.NewTask(TaskTypeCommand, payload)
	info, err := c.inner.EnqueueContext(ctx, task,
		asynq.MaxRetry(3),
		asynq.Timeout(c.taskTimeout),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", cmd.Type, err)
	}
	return info.ID, nil
}

// Close releases the queue connection.
func (c *Client) Close() error { return c.inner.Close() }

// NewServer builds the asynq consumer for a worker replica.
func NewServer(redisAddr, redisPassword string, concurrency int) *asynq.Server {
	return asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr, Password: redisPassword},
		asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{"default": 1},
		},
	)
}
