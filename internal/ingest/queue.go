// Package ingest runs the asynchronous document pipeline: a Redis-backed
// task queue and a worker pool that extracts, embeds, and indexes uploads.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const queueKey = "ingest:tasks"

// Task describes one uploaded file awaiting processing. FilePath points at
// the temp copy written by the upload handler; the worker owns its cleanup.
type Task struct {
	TaskID     string `json:"task_id"`
	BatchID    string `json:"batch_id"`
	DocumentID string `json:"document_id"`
	FilePath   string `json:"file_path"`
	Filename   string `json:"filename"`
	FileHash   string `json:"file_hash"`
	FileSize   int64  `json:"file_size"`
	UploadedAt string `json:"uploaded_at"`
}

// Queue is a Redis list used as a FIFO task queue.
type Queue struct {
	client *redis.Client
}

func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue pushes the task for the worker pool.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	if err := q.client.LPush(ctx, queueKey, data).Err(); err != nil {
		return fmt.Errorf("enqueueing task for %s: %w", task.Filename, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task. No task yields (nil, nil).
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	res, err := q.client.BRPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeueing task: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply length %d", len(res))
	}
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return &task, nil
}

// Depth reports how many tasks are waiting.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return n, nil
}
