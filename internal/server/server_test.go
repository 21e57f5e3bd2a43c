package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragserver/internal/chat"
	"ragserver/internal/config"
	"ragserver/internal/docstore"
	"ragserver/internal/ingest"
	"ragserver/internal/memory"
	"ragserver/internal/progress"
	"ragserver/internal/vectorstore"
)

type fakeEngine struct {
	mu        sync.Mutex
	answer    *chat.Answer
	err       error
	events    []chat.Event
	sessionID string
}

func (f *fakeEngine) Query(ctx context.Context, sessionID string, temporary bool, question string) (*chat.Answer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = sessionID
	if f.err != nil {
		return nil, f.err
	}
	out := *f.answer
	out.SessionID = sessionID
	return &out, nil
}

func (f *fakeEngine) StreamQuery(ctx context.Context, sessionID string, temporary bool, question string) (<-chan chat.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionID = sessionID
	if f.err != nil {
		return nil, f.err
	}
	events := make(chan chat.Event)
	go func() {
		defer close(events)
		for _, ev := range f.events {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

type fakeQueue struct {
	mu      sync.Mutex
	tasks   []ingest.Task
	err     error
	failFor map[string]error // per-filename failures
}

func (f *fakeQueue) Enqueue(ctx context.Context, task ingest.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if err, ok := f.failFor[task.Filename]; ok {
		return err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

type fakeTracker struct {
	mu      sync.Mutex
	batches map[string]*progress.Batch
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{batches: make(map[string]*progress.Batch)}
}

func (f *fakeTracker) Start(ctx context.Context, batchID string, tasks []progress.TaskRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := &progress.Batch{
		BatchID: batchID,
		Total:   len(tasks),
		Tasks:   make(map[string]progress.TaskState, len(tasks)),
	}
	for _, ref := range tasks {
		batch.Tasks[ref.TaskID] = progress.TaskState{Filename: ref.Filename, Status: progress.TaskPending}
	}
	f.batches[batchID] = batch
	return nil
}

func (f *fakeTracker) UpdateTask(ctx context.Context, batchID, taskID, status string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch, ok := f.batches[batchID]
	if !ok {
		return progress.ErrNotFound
	}
	task, ok := batch.Tasks[taskID]
	if !ok {
		return nil
	}
	task.Status = status
	task.Data = data
	batch.Tasks[taskID] = task
	return nil
}

func (f *fakeTracker) Get(ctx context.Context, batchID string) (*progress.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch, ok := f.batches[batchID]
	if !ok {
		return nil, progress.ErrNotFound
	}
	copied := *batch
	return &copied, nil
}

type fakeVecStore struct {
	vectorstore.Store
	mu          sync.Mutex
	docs        []vectorstore.DocumentSummary
	hashResults map[string]vectorstore.HashStatus
	deleted     []string
	chunks      []vectorstore.Chunk
}

func (f *fakeVecStore) ListDocuments(ctx context.Context, sortBy, order string) ([]vectorstore.DocumentSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vectorstore.DocumentSummary(nil), f.docs...), nil
}

func (f *fakeVecStore) DeleteByDocument(ctx context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, documentID)
	return nil
}

func (f *fakeVecStore) ListAllChunks(ctx context.Context) ([]vectorstore.Chunk, error) {
	return f.chunks, nil
}

func (f *fakeVecStore) CheckHashes(ctx context.Context, checks []vectorstore.FileCheck) (map[string]vectorstore.HashStatus, error) {
	out := make(map[string]vectorstore.HashStatus, len(checks))
	for _, c := range checks {
		if status, ok := f.hashResults[c.Hash]; ok {
			out[c.Filename] = status
		} else {
			out[c.Filename] = vectorstore.HashStatus{}
		}
	}
	return out, nil
}

type fakeSparse struct {
	mu       sync.Mutex
	refreshN int
}

func (f *fakeSparse) Refresh(ctx context.Context, chunks []vectorstore.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshN++
	return nil
}

type serverFixture struct {
	server   *Server
	engine   *fakeEngine
	queue    *fakeQueue
	tracker  *fakeTracker
	store    *fakeVecStore
	sparse   *fakeSparse
	sessions *memory.Store
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		engine: &fakeEngine{answer: &chat.Answer{
			Answer: "42",
			Sources: []chat.Source{{
				DocumentID:   "doc-1",
				DocumentName: "guide.md",
				Excerpt:      "short",
				FullText:     "short but complete",
				Path:         "/data/documents/doc-1/guide.md",
				Score:        0.9,
			}},
		}},
		queue:    &fakeQueue{},
		tracker:  newFakeTracker(),
		store:    &fakeVecStore{},
		sparse:   &fakeSparse{},
		sessions: memory.NewStore(nil, time.Hour, 3000, slog.New(slog.DiscardHandler)),
	}
	cfg := &config.Config{
		LLM:       config.LLMConfig{Provider: config.ProviderOllama, Model: "llama3.1:8b"},
		Embedding: config.EmbeddingConfig{Model: "nomic-embed-text"},
		Reranker:  config.RerankerConfig{Enabled: true, Model: "cross-encoder/ms-marco-MiniLM-L-6-v2"},
	}
	cfg.Env.HTTPPort = 8080
	cfg.Env.MaxUploadSizeMB = 80
	cfg.Env.UploadTempDir = t.TempDir()

	f.server = New(Options{
		Config:    cfg,
		Engine:    f.engine,
		Store:     f.store,
		Documents: docstore.New(t.TempDir()),
		Sessions:  f.sessions,
		Progress:  f.tracker,
		Queue:     f.queue,
		Sparse:    f.sparse,
		Logger:    slog.New(slog.DiscardHandler),
	})
	return f
}

func (f *serverFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndConfig(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "healthy"}, decodeBody(t, rec))

	rec = f.do(t, http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(80), decodeBody(t, rec)["max_upload_size_mb"])
}

func TestModelsInfo(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/models/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "llama3.1:8b", body["llm_model"])
	assert.Equal(t, "Ollama (local)", body["llm_hosting"])
	assert.Equal(t, "nomic-embed-text", body["embedding_model"])
	assert.Equal(t, true, body["reranker_enabled"])
	assert.Equal(t, "cross-encoder/ms-marco-MiniLM-L-6-v2", body["reranker_model"])
}

func TestQueryGeneratesSessionID(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/query", map[string]any{"query": "what is the answer?"})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "42", body["answer"])
	assert.NotEmpty(t, body["session_id"])
	assert.Equal(t, f.engine.sessionID, body["session_id"])

	sources := body["sources"].([]any)
	require.Len(t, sources, 1)
	src := sources[0].(map[string]any)
	assert.Equal(t, "guide.md", src["document_name"])
	assert.Equal(t, "short but complete", src["full_text"])
}

func TestQueryExcludesChunksOnRequest(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodPost, "/query", map[string]any{
		"query":          "q",
		"session_id":     "sess-1",
		"include_chunks": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	src := decodeBody(t, rec)["sources"].([]any)[0].(map[string]any)
	assert.Equal(t, "", src["full_text"])
	assert.Equal(t, "short", src["excerpt"])
}

func TestQueryErrorsAsDetail(t *testing.T) {
	f := newServerFixture(t)
	f.engine.err = errors.New("llm unavailable")

	rec := f.do(t, http.MethodPost, "/query", map[string]any{"query": "q"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "llm unavailable", decodeBody(t, rec)["detail"])

	rec = f.do(t, http.MethodPost, "/query", map[string]any{"query": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryStreamWireFormat(t *testing.T) {
	f := newServerFixture(t)
	f.engine.events = []chat.Event{
		{Type: "token", Token: "The "},
		{Type: "token", Token: "answer."},
		{Type: "sources", Sources: f.engine.answer.Sources},
		{Type: "done"},
	}

	rec := f.do(t, http.MethodPost, "/query/stream", map[string]any{
		"query": "q", "session_id": "sess-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	require.Len(t, frames, 4)
	assert.Equal(t, "event: token\ndata: {\"token\":\"The \"}", frames[0])
	assert.True(t, strings.HasPrefix(frames[2], "event: sources\n"))
	assert.Contains(t, frames[2], `"session_id":"sess-1"`)
	assert.Equal(t, "event: done\ndata: {}", frames[3])
}

func TestQueryStreamErrorEvent(t *testing.T) {
	f := newServerFixture(t)
	f.engine.events = []chat.Event{
		{Type: "token", Token: "part"},
		{Type: "error", Err: errors.New("upstream reset")},
	}

	rec := f.do(t, http.MethodPost, "/query/stream", map[string]any{"query": "q"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: error\ndata: {\"error\":\"upstream reset\"}")
}

func multipartUpload(t *testing.T, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadQueuesSupportedAndRejectsOthers(t *testing.T) {
	f := newServerFixture(t)
	content := []byte("hello world")
	body, contentType := multipartUpload(t, map[string][]byte{
		"notes.txt":  content,
		"binary.exe": []byte{0x4d, 0x5a},
	})

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody(t, rec)
	assert.Equal(t, "queued", resp["status"])
	assert.NotEmpty(t, resp["batch_id"])
	require.Len(t, resp["tasks"].([]any), 1)
	require.Len(t, resp["rejected"].([]any), 1)
	rejection := resp["rejected"].([]any)[0].(map[string]any)
	assert.Equal(t, "binary.exe", rejection["filename"])

	require.Len(t, f.queue.tasks, 1)
	task := f.queue.tasks[0]
	assert.Equal(t, "notes.txt", task.Filename)
	assert.Equal(t, resp["batch_id"], task.BatchID)
	wantHash := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(wantHash[:]), task.FileHash)
	assert.Equal(t, int64(len(content)), task.FileSize)
	assert.NotEmpty(t, task.DocumentID)

	batch, err := f.tracker.Get(context.Background(), task.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Total)
	assert.Equal(t, progress.TaskPending, batch.Tasks[task.TaskID].Status)
}

func TestUploadPartialEnqueueFailure(t *testing.T) {
	f := newServerFixture(t)
	f.queue.failFor = map[string]error{"flaky.md": errors.New("queue full")}
	body, contentType := multipartUpload(t, map[string][]byte{
		"notes.txt": []byte("hello world"),
		"flaky.md":  []byte("# doomed"),
	})

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody(t, rec)
	require.Len(t, resp["tasks"].([]any), 1)
	queued := resp["tasks"].([]any)[0].(map[string]any)
	assert.Equal(t, "notes.txt", queued["filename"])
	require.Len(t, resp["rejected"].([]any), 1)
	rejection := resp["rejected"].([]any)[0].(map[string]any)
	assert.Equal(t, "flaky.md", rejection["filename"])

	require.Len(t, f.queue.tasks, 1)
	assert.Equal(t, "notes.txt", f.queue.tasks[0].Filename)

	// The failed file's task is marked errored so pollers see the batch finish.
	batch, err := f.tracker.Get(context.Background(), resp["batch_id"].(string))
	require.NoError(t, err)
	statuses := make(map[string]string, len(batch.Tasks))
	for _, task := range batch.Tasks {
		statuses[task.Filename] = task.Status
	}
	assert.Equal(t, progress.TaskError, statuses["flaky.md"])
	assert.Equal(t, progress.TaskPending, statuses["notes.txt"])
}

func TestUploadAllEnqueuesFail(t *testing.T) {
	f := newServerFixture(t)
	f.queue.err = errors.New("redis down")
	body, contentType := multipartUpload(t, map[string][]byte{"notes.txt": []byte("hello")})

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, f.queue.tasks)
}

func TestUploadAllRejected(t *testing.T) {
	f := newServerFixture(t)
	body, contentType := multipartUpload(t, map[string][]byte{"binary.exe": {0x00}})

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.queue.tasks)
}

func TestFilesCheck(t *testing.T) {
	f := newServerFixture(t)
	f.store.hashResults = map[string]vectorstore.HashStatus{
		"abc": {Exists: true, DocumentID: "doc-1", ExistingFilename: "guide.md"},
	}

	rec := f.do(t, http.MethodPost, "/files/check", map[string]any{
		"files": []map[string]any{
			{"filename": "guide.md", "size": 11, "hash": "abc"},
			{"filename": "new.txt", "size": 5, "hash": "def"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	results := decodeBody(t, rec)["results"].(map[string]any)
	existing := results["guide.md"].(map[string]any)
	assert.Equal(t, true, existing["exists"])
	assert.Equal(t, "doc-1", existing["document_id"])
	fresh := results["new.txt"].(map[string]any)
	assert.Equal(t, false, fresh["exists"])
}

func TestBatchEndpoints(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/batches/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.tracker.Start(context.Background(), "batch-1", []progress.TaskRef{
		{TaskID: "t1", Filename: "a.txt"},
	}))
	rec = f.do(t, http.MethodGet, "/batches/batch-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "batch-1", body["batch_id"])
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(0), body["completed"])
}

func TestBatchStreamCompletes(t *testing.T) {
	f := newServerFixture(t)
	f.tracker.batches["batch-1"] = &progress.Batch{
		BatchID:   "batch-1",
		Total:     1,
		Completed: 1,
		Tasks: map[string]progress.TaskState{
			"t1": {Filename: "a.txt", Status: progress.TaskCompleted},
		},
	}

	rec := f.do(t, http.MethodGet, "/batches/batch-1/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: complete\n")
}

func TestBatchStreamUnknownEmitsError(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/batches/nope/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "event: error\ndata: {\"error\":\"batch not found\"}")
}

func TestListDocuments(t *testing.T) {
	f := newServerFixture(t)
	f.store.docs = []vectorstore.DocumentSummary{
		{ID: "doc-1", FileName: "guide.md", FileType: "md", Chunks: 3},
	}

	rec := f.do(t, http.MethodGet, "/documents?sort_by=name&order=asc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	docs := decodeBody(t, rec)["documents"].([]any)
	require.Len(t, docs, 1)
	assert.Equal(t, "guide.md", docs[0].(map[string]any)["file_name"])
}

func TestDeleteDocument(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodDelete, "/documents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.store.docs = []vectorstore.DocumentSummary{
		{ID: "doc-1", FileName: "guide.md", Chunks: 3},
	}
	rec = f.do(t, http.MethodDelete, "/documents/doc-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Contains(t, body["message"], "guide.md")

	assert.Equal(t, []string{"doc-1"}, f.store.deleted)
	assert.Equal(t, 1, f.sparse.refreshN)
}

func TestChatHistoryAndClear(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	rec := f.do(t, http.MethodGet, "/chat/history/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, f.sessions.Append(ctx, "sess-1", false,
		memory.Message{Role: "user", Content: "hi", Time: time.Now()},
		memory.Message{Role: "assistant", Content: "hello", Time: time.Now()},
	))

	rec = f.do(t, http.MethodGet, "/chat/history/sess-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "sess-1", body["session_id"])
	messages := body["messages"].([]any)
	require.Len(t, messages, 2)
	first := messages[0].(map[string]any)
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "hi", first["content"])
	// The wire shape carries role and content only.
	assert.NotContains(t, first, "time")

	rec = f.do(t, http.MethodPost, "/chat/clear", map[string]any{"session_id": "sess-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t,
		fmt.Sprintf("Chat history cleared for session %s", "sess-1"),
		decodeBody(t, rec)["message"])

	history, err := f.sessions.History(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSessionsEndpoints(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sessions.Append(ctx, "sess-1", false,
		memory.Message{Role: "user", Content: "hi", Time: time.Now()},
		memory.Message{Role: "assistant", Content: "hello", Time: time.Now()},
	))

	rec := f.do(t, http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decodeBody(t, rec)["sessions"].([]any)
	require.Len(t, sessions, 1)
	assert.Equal(t, "sess-1", sessions[0].(map[string]any)["id"])

	rec = f.do(t, http.MethodDelete, "/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/sessions", nil)
	assert.Empty(t, decodeBody(t, rec)["sessions"])
}
