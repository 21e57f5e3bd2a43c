package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ragserver/internal/embedder"
	"ragserver/internal/extract"
	"ragserver/internal/llm"
	"ragserver/internal/progress"
	"ragserver/internal/vectorstore"
)

const (
	// Task-level retries: a failed file is reprocessed up to maxTaskRuns
	// times with exponential backoff and jitter.
	maxTaskRuns      = 4
	taskBackoffBase  = 5 * time.Second
	taskBackoffCap   = 60 * time.Second
	dequeueBlockTime = 2 * time.Second

	// Per-chunk embed and upsert calls get a short inline retry for
	// transient connectivity failures.
	chunkAttempts    = 3
	chunkBackoffBase = 2 * time.Second

	contextPreviewChars = 400
)

// extractor yields text segments with structural metadata for a file.
type extractor interface {
	Extract(ctx context.Context, path, filename string) ([]extract.Segment, error)
}

// progressTracker is the slice of the progress store the worker needs.
type progressTracker interface {
	UpdateTask(ctx context.Context, batchID, taskID, status string, data map[string]any) error
	SetTaskTotalChunks(ctx context.Context, batchID, taskID string, n int) error
	IncrementTaskChunks(ctx context.Context, batchID, taskID string) error
}

// sparseRefresher rebuilds the keyword index from the full chunk set.
type sparseRefresher interface {
	Refresh(ctx context.Context, chunks []vectorstore.Chunk) error
}

// originalSaver persists the uploaded file for later download.
type originalSaver interface {
	Save(documentID, filename, srcPath string) (string, error)
}

// Worker consumes the queue with a fixed-size goroutine pool.
type Worker struct {
	queue      *Queue
	extract    extractor
	embedder   embedder.Embedder
	store      vectorstore.Store
	sparse     sparseRefresher
	progress   progressTracker
	docs       originalSaver
	llm        llm.Client
	contextual bool
	storage    string
	pool       int
	logger     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

type WorkerOptions struct {
	Queue       *Queue
	Extractor   extractor
	Embedder    embedder.Embedder
	Store       vectorstore.Store
	Sparse      sparseRefresher
	Progress    progressTracker
	Documents   originalSaver
	LLM         llm.Client
	Contextual  bool
	StorageRoot string
	Concurrency int
}

func NewWorker(opts WorkerOptions, logger *slog.Logger) *Worker {
	pool := opts.Concurrency
	if pool <= 0 {
		pool = 1
	}
	return &Worker{
		queue:      opts.Queue,
		extract:    opts.Extractor,
		embedder:   opts.Embedder,
		store:      opts.Store,
		sparse:     opts.Sparse,
		progress:   opts.Progress,
		docs:       opts.Documents,
		llm:        opts.LLM,
		contextual: opts.Contextual,
		storage:    opts.StorageRoot,
		pool:       pool,
		logger:     logger.With("component", "ingest"),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until ctx is cancelled, draining the queue with the configured
// pool size.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("ingestion workers started", "concurrency", w.pool)
	var wg sync.WaitGroup
	for i := 0; i < w.pool; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()
	w.logger.Info("ingestion workers stopped")
}

func (w *Worker) loop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := w.queue.Dequeue(ctx, dequeueBlockTime)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", "worker", id, "error", err)
			_ = w.sleep(ctx, time.Second)
			continue
		}
		if task == nil {
			continue
		}
		w.Handle(ctx, task)
	}
}

// Handle runs the task with retries, keeping the temp file until the final
// attempt so retries can reprocess it.
func (w *Worker) Handle(ctx context.Context, task *Task) {
	defer func() {
		if err := os.Remove(task.FilePath); err != nil && !os.IsNotExist(err) {
			w.logger.Warn("failed to remove temp file", "path", task.FilePath, "error", err)
		}
	}()

	var lastErr error
	for run := 0; run < maxTaskRuns; run++ {
		if run > 0 {
			if err := w.sleep(ctx, taskBackoff(run)); err != nil {
				lastErr = err
				break
			}
			w.logger.Info("retrying document", "file", task.Filename, "run", run+1)
		}
		lastErr = w.process(ctx, task)
		if lastErr == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
		w.logger.Error("document processing failed",
			"file", task.Filename, "run", run+1, "error", lastErr)
	}

	// Temp paths leak internal details; report errors against the original
	// filename instead.
	scrubbed := strings.ReplaceAll(lastErr.Error(), task.FilePath, task.Filename)
	data := map[string]any{"filename": task.Filename, "error": scrubbed}
	if err := w.progress.UpdateTask(ctx, task.BatchID, task.TaskID, progress.TaskError, data); err != nil {
		w.logger.Error("failed to record task failure", "file", task.Filename, "error", err)
	}
}

// taskBackoff returns the delay before retry run n (1-based), jittered
// between half and full value.
func taskBackoff(run int) time.Duration {
	d := taskBackoffBase << (run - 1)
	if d > taskBackoffCap {
		d = taskBackoffCap
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func (w *Worker) process(ctx context.Context, task *Task) error {
	started := time.Now()
	processing := map[string]any{"filename": task.Filename, "message": "Processing " + task.Filename}
	if err := w.progress.UpdateTask(ctx, task.BatchID, task.TaskID, progress.TaskProcessing, processing); err != nil {
		w.logger.Warn("failed to mark task processing", "file", task.Filename, "error", err)
	}

	segments, err := w.extract.Extract(ctx, task.FilePath, task.Filename)
	if err != nil {
		return fmt.Errorf("extracting document: %w", err)
	}
	if err := w.progress.SetTaskTotalChunks(ctx, task.BatchID, task.TaskID, len(segments)); err != nil {
		w.logger.Warn("failed to record chunk count", "file", task.Filename, "error", err)
	}

	fileType := strings.TrimPrefix(strings.ToLower(filepath.Ext(task.Filename)), ".")
	storagePath := filepath.Join(w.storage, task.DocumentID, filepath.Base(task.Filename))

	chunks := make([]vectorstore.Chunk, 0, len(segments))
	for i, seg := range segments {
		text := seg.Text
		if w.contextual && w.llm != nil {
			if prefix := w.contextualPrefix(ctx, task.Filename, fileType, text); prefix != "" {
				text = prefix + "\n\n" + text
			}
		}

		meta := map[string]any{
			"file_name":       task.Filename,
			"file_type":       fileType,
			"document_id":     task.DocumentID,
			"chunk_index":     i,
			"file_hash":       task.FileHash,
			"file_size_bytes": task.FileSize,
			"uploaded_at":     task.UploadedAt,
			"path":            storagePath,
		}
		// Structural metadata from the extractor (origin, heading, page)
		// rides along; Sanitize flattens any nested maps.
		for k, v := range seg.Metadata {
			meta[k] = v
		}

		chunk := vectorstore.Chunk{
			ID:         fmt.Sprintf("%s-chunk-%d", task.DocumentID, i),
			DocumentID: task.DocumentID,
			ChunkIndex: i,
			Text:       text,
			Metadata:   vectorstore.Sanitize(meta),
		}

		if err := withChunkRetry(ctx, w.sleep, func() error {
			vector, err := w.embedder.Embed(ctx, chunk.Text)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", i, err)
			}
			chunk.Vector = vector
			return nil
		}); err != nil {
			return err
		}

		if err := withChunkRetry(ctx, w.sleep, func() error {
			return w.store.Upsert(ctx, []vectorstore.Chunk{chunk})
		}); err != nil {
			return fmt.Errorf("upserting chunk %d: %w", i, err)
		}
		chunks = append(chunks, chunk)

		if err := w.progress.IncrementTaskChunks(ctx, task.BatchID, task.TaskID); err != nil {
			w.logger.Warn("failed to bump chunk progress", "file", task.Filename, "error", err)
		}
	}

	// Download support is best effort; the index is already consistent.
	if w.docs != nil {
		if _, err := w.docs.Save(task.DocumentID, task.Filename, task.FilePath); err != nil {
			w.logger.Warn("failed to store original document", "file", task.Filename, "error", err)
		}
	}
	w.refreshSparse(ctx)

	done := map[string]any{
		"filename":    task.Filename,
		"document_id": task.DocumentID,
		"chunks":      len(chunks),
		"message":     "Successfully indexed " + task.Filename,
	}
	if err := w.progress.UpdateTask(ctx, task.BatchID, task.TaskID, progress.TaskCompleted, done); err != nil {
		w.logger.Error("failed to mark task completed", "file", task.Filename, "error", err)
	}
	w.logger.Info("document indexed",
		"file", task.Filename, "document_id", task.DocumentID,
		"chunks", len(chunks), "elapsed", time.Since(started))
	return nil
}

func (w *Worker) refreshSparse(ctx context.Context) {
	if w.sparse == nil {
		return
	}
	chunks, err := w.store.ListAllChunks(ctx)
	if err != nil {
		w.logger.Warn("failed to list chunks for sparse refresh", "error", err)
		return
	}
	if err := w.sparse.Refresh(ctx, chunks); err != nil {
		w.logger.Warn("failed to refresh sparse index", "error", err)
	}
}

// withChunkRetry retries fn on transient connectivity errors with 2s, 4s
// pauses. Permanent errors return immediately.
func withChunkRetry(ctx context.Context, sleep func(context.Context, time.Duration) error, fn func() error) error {
	var err error
	for attempt := 0; attempt < chunkAttempts; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, chunkBackoffBase<<(attempt-1)); serr != nil {
				return serr
			}
		}
		err = fn()
		if err == nil || !llm.IsTransient(err) {
			return err
		}
	}
	return err
}

// contextualPrefix asks the LLM to situate the chunk within its document.
// Failures are logged and the chunk is indexed without a prefix.
func (w *Worker) contextualPrefix(ctx context.Context, name, fileType, text string) string {
	preview := text
	if runes := []rune(preview); len(runes) > contextPreviewChars {
		preview = string(runes[:contextPreviewChars])
	}
	prompt := fmt.Sprintf(`Document: %s (%s)

Chunk content:
%s

Provide a concise 1-2 sentence context for this chunk, explaining what document it's from and what topic it discusses.
Format: "This section from [document/topic] discusses [specific topic/concept]."

Context (1-2 sentences only):`, name, fileType, preview)

	out, err := w.llm.Complete(ctx, llm.Request{
		Messages:  []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: 128,
	})
	if err != nil {
		w.logger.Warn("contextual prefix generation failed", "file", name, "error", err)
		return ""
	}
	return strings.TrimSpace(out)
}
