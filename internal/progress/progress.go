// Package progress tracks per-batch ingestion state in Redis so clients can
// poll or stream upload progress. Records are updated inside WATCH
// transactions: concurrent workers finishing different tasks of the same
// batch never lose each other's counts. Every write renews the record's TTL
// so long-running batches do not expire mid-run.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound marks a batch that was never started or whose record expired.
var ErrNotFound = errors.New("batch not found")

// Task statuses. Completed and error are terminal.
const (
	TaskPending    = "pending"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskError      = "error"
)

// TaskState is the progress of one file's ingestion task.
type TaskState struct {
	Filename        string         `json:"filename"`
	Status          string         `json:"status"`
	Data            map[string]any `json:"data,omitempty"`
	TotalChunks     int            `json:"total_chunks"`
	CompletedChunks int            `json:"completed_chunks"`
}

// Batch is the full progress record stored at batch:{id}. Completed counts
// tasks in a terminal state (completed or error) and never decreases.
type Batch struct {
	BatchID         string               `json:"batch_id"`
	Total           int                  `json:"total"`
	Completed       int                  `json:"completed"`
	TotalChunks     int                  `json:"total_chunks"`
	CompletedChunks int                  `json:"completed_chunks"`
	Tasks           map[string]TaskState `json:"tasks"`
	StartedAt       time.Time            `json:"started_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// Done reports whether every task reached a terminal state.
func (b *Batch) Done() bool {
	return b.Total > 0 && b.Completed >= b.Total
}

func terminalTask(status string) bool {
	return status == TaskCompleted || status == TaskError
}

// recount derives the batch-level counters from task states.
func (b *Batch) recount() {
	completed, totalChunks, completedChunks := 0, 0, 0
	for _, task := range b.Tasks {
		if terminalTask(task.Status) {
			completed++
		}
		totalChunks += task.TotalChunks
		completedChunks += task.CompletedChunks
	}
	b.Completed = completed
	b.TotalChunks = totalChunks
	b.CompletedChunks = completedChunks
}

// setTaskStatus transitions one task. Terminal tasks are immutable; returns
// false when the update must be ignored.
func (b *Batch) setTaskStatus(taskID, status string, data map[string]any) bool {
	task, known := b.Tasks[taskID]
	if !known || terminalTask(task.Status) {
		return false
	}
	task.Status = status
	if data != nil {
		task.Data = data
	}
	b.Tasks[taskID] = task
	b.recount()
	return true
}

// TaskRef names a task at batch creation.
type TaskRef struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
}

// Store persists batch records with a rolling TTL.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

const watchRetries = 5

func NewStore(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Store {
	return &Store{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "progress"),
		now:    time.Now,
	}
}

func key(batchID string) string { return "batch:" + batchID }

// Start creates the record with every task pending.
func (s *Store) Start(ctx context.Context, batchID string, tasks []TaskRef) error {
	now := s.now().UTC()
	batch := Batch{
		BatchID:   batchID,
		Total:     len(tasks),
		Tasks:     make(map[string]TaskState, len(tasks)),
		StartedAt: now,
		UpdatedAt: now,
	}
	for _, ref := range tasks {
		batch.Tasks[ref.TaskID] = TaskState{Filename: ref.Filename, Status: TaskPending}
	}
	return s.write(ctx, &batch)
}

// Get returns the current record.
func (s *Store) Get(ctx context.Context, batchID string) (*Batch, error) {
	data, err := s.client.Get(ctx, key(batchID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading batch %s: %w", batchID, err)
	}
	var batch Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("decoding batch %s: %w", batchID, err)
	}
	return &batch, nil
}

// UpdateTask transitions a task's status and attaches payload data.
func (s *Store) UpdateTask(ctx context.Context, batchID, taskID, status string, data map[string]any) error {
	return s.update(ctx, batchID, func(batch *Batch) bool {
		applied := batch.setTaskStatus(taskID, status, data)
		if !applied {
			s.logger.Debug("progress update ignored",
				"batch_id", batchID, "task_id", taskID, "status", status)
		}
		return applied
	})
}

// SetTaskTotalChunks records how many chunks the task will embed.
func (s *Store) SetTaskTotalChunks(ctx context.Context, batchID, taskID string, n int) error {
	return s.update(ctx, batchID, func(batch *Batch) bool {
		task, known := batch.Tasks[taskID]
		if !known || terminalTask(task.Status) {
			return false
		}
		task.TotalChunks = n
		task.CompletedChunks = 0
		batch.Tasks[taskID] = task
		batch.recount()
		return true
	})
}

// IncrementTaskChunks bumps the task's embedded-chunk counter.
func (s *Store) IncrementTaskChunks(ctx context.Context, batchID, taskID string) error {
	return s.update(ctx, batchID, func(batch *Batch) bool {
		task, known := batch.Tasks[taskID]
		if !known || terminalTask(task.Status) {
			return false
		}
		task.CompletedChunks++
		batch.Tasks[taskID] = task
		batch.recount()
		return true
	})
}

// update applies mutate inside a WATCH transaction, retrying on contention.
// mutate returns false to skip the write.
func (s *Store) update(ctx context.Context, batchID string, mutate func(*Batch) bool) error {
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key(batchID)).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reading batch %s: %w", batchID, err)
		}
		var batch Batch
		if err := json.Unmarshal(data, &batch); err != nil {
			return fmt.Errorf("decoding batch %s: %w", batchID, err)
		}

		if !mutate(&batch) {
			return nil
		}
		batch.UpdatedAt = s.now().UTC()

		encoded, err := json.Marshal(&batch)
		if err != nil {
			return fmt.Errorf("encoding batch %s: %w", batchID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key(batchID), encoded, s.ttl)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < watchRetries; attempt++ {
		err = s.client.Watch(ctx, txn, key(batchID))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("updating batch %s: too much contention: %w", batchID, err)
}

func (s *Store) write(ctx context.Context, batch *Batch) error {
	encoded, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding batch %s: %w", batch.BatchID, err)
	}
	if err := s.client.Set(ctx, key(batch.BatchID), encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing batch %s: %w", batch.BatchID, err)
	}
	return nil
}
