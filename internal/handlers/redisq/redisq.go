// Package redisq hands runs to external consumers by pushing a message onto a
// Redis list.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tickflow/internal/domain"
)

const DefaultQueue = "tickflow:runs"

// Pusher is the slice of the Redis client this handler needs.
type Pusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

type Queue struct {
	client Pusher
	queue  string
}

// Message is the JSON document written to the list.
type Message struct {
	RunID        string          `json:"run_id"`
	ScheduleID   string          `json:"schedule_id"`
	PlannedRunAt time.Time       `json:"planned_run_at"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

type payload struct {
	Queue string          `json:"queue"`
	Data  json.RawMessage `json:"data"`
}

func New(client Pusher, defaultQueue string) *Queue {
	if defaultQueue == "" {
		defaultQueue = DefaultQueue
	}
	return &Queue{client: client, queue: defaultQueue}
}

// NewClient opens a client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Handle pushes the run. The payload may name a queue and carry a "data"
// document forwarded to consumers; otherwise the whole payload is forwarded.
func (q *Queue) Handle(ctx context.Context, inv domain.Invocation) error {
	key := q.queue
	data := inv.Payload
	if len(inv.Payload) > 0 {
		var p payload
		if err := json.Unmarshal(inv.Payload, &p); err == nil {
			if p.Queue != "" {
				key = p.Queue
			}
			if p.Data != nil || p.Queue != "" {
				data = p.Data
			}
		}
	}

	msg, err := json.Marshal(Message{
		RunID:        inv.RunID,
		ScheduleID:   inv.ScheduleID,
		PlannedRunAt: inv.PlannedRunAt.UTC(),
		Payload:      data,
		EnqueuedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := q.client.RPush(ctx, key, msg).Err(); err != nil {
		return fmt.Errorf("redis rpush %s: %w", key, err)
	}
	return nil
}
