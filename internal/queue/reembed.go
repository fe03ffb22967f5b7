package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/saeed-khosravi/fabula/internal/memory"
)

// Stream carrying memories whose embedding failed at ingest time.
const ReembedStream = "fabula:reembed"

// ReembedTask asks the worker to compute and attach a missing vector.
type ReembedTask struct {
	TaskID   string        `json:"task_id"`
	Tenant   memory.Tenant `json:"tenant"`
	MemoryID string        `json:"memory_id"`
	Content  string        `json:"content"`
	QueuedAt time.Time     `json:"queued_at"`
	Attempts int           `json:"attempts"`
}

// Publisher appends re-embed tasks to the Redis stream.
type Publisher struct {
	client *redis.Client
	maxLen int64
}

// NewPublisher creates a Publisher. maxLen caps the stream approximately;
// zero means unbounded.
func NewPublisher(client *redis.Client, maxLen int64) *Publisher {
	return &Publisher{client: client, maxLen: maxLen}
}

// Publish enqueues one task and returns its stream ID.
func (p *Publisher) Publish(ctx context.Context, task ReembedTask) (string, error) {
	if p == nil || p.client == nil {
		return "", errors.New("reembed publisher unavailable")
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.QueuedAt.IsZero() {
		task.QueuedAt = time.Now().UTC()
	}
	if task.MemoryID == "" {
		return "", errors.New("memory_id required")
	}
	if err := task.Tenant.Validate(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal reembed task: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: ReembedStream,
		Values: map[string]interface{}{"task": raw},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Consumer reads re-embed tasks through a consumer group.
type Consumer struct {
	client   *redis.Client
	group    string
	consumer string
}

// NewConsumer creates the consumer group if needed and returns a Consumer.
func NewConsumer(ctx context.Context, client *redis.Client, group, consumer string) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	err := client.XGroupCreateMkStream(ctx, ReembedStream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &Consumer{client: client, group: group, consumer: consumer}, nil
}

// Fetch blocks up to wait for pending tasks, returning at most count.
func (c *Consumer) Fetch(ctx context.Context, count int64, wait time.Duration) ([]PendingTask, error) {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{ReembedStream, ">"},
		Count:    count,
		Block:    wait,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var tasks []PendingTask
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["task"].(string)
			if !ok {
				// Unparseable entries are acked away rather than
				// poisoning the group.
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			var task ReembedTask
			if err := json.Unmarshal([]byte(raw), &task); err != nil {
				_ = c.Ack(ctx, msg.ID)
				continue
			}
			tasks = append(tasks, PendingTask{StreamID: msg.ID, Task: task})
		}
	}
	return tasks, nil
}

// Ack acknowledges a processed stream entry.
func (c *Consumer) Ack(ctx context.Context, streamID string) error {
	return c.client.XAck(ctx, ReembedStream, c.group, streamID).Err()
}

// PendingTask pairs a task with its stream entry ID for acking.
type PendingTask struct {
	StreamID string
	Task     ReembedTask
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}
