package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"ragserver/internal/extract"
	"ragserver/internal/ingest"
	"ragserver/internal/progress"
	"ragserver/internal/vectorstore"
)

const uploadMemoryLimit = 32 << 20 // bytes held in memory before spilling

type uploadTask struct {
	TaskID   string `json:"task_id"`
	Filename string `json:"filename"`
}

type uploadRejection struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

type uploadResponse struct {
	Status   string            `json:"status"`
	BatchID  string            `json:"batch_id"`
	Tasks    []uploadTask      `json:"tasks"`
	Rejected []uploadRejection `json:"rejected,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart request: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, "no files provided under field 'files'")
		return
	}

	maxBytes := int64(s.cfg.Env.MaxUploadSizeMB) << 20
	uploadedAt := time.Now().UTC().Format(time.RFC3339)

	var (
		accepted []uploadTask
		rejected []uploadRejection
		tasks    []ingest.Task
		refs     []progress.TaskRef
	)
	for _, header := range files {
		name := filepath.Base(header.Filename)
		ext := strings.ToLower(filepath.Ext(name))
		if !extract.Supported(ext) {
			rejected = append(rejected, uploadRejection{
				Filename: name,
				Reason:   fmt.Sprintf("unsupported file type %q", ext),
			})
			continue
		}
		if header.Size > maxBytes {
			rejected = append(rejected, uploadRejection{
				Filename: name,
				Reason:   fmt.Sprintf("file exceeds the %d MB upload limit", s.cfg.Env.MaxUploadSizeMB),
			})
			continue
		}

		tmpPath, hash, size, err := s.spoolUpload(header)
		if err != nil {
			s.logger.Error("failed to spool upload", "file", name, "error", err)
			rejected = append(rejected, uploadRejection{Filename: name, Reason: "failed to store upload"})
			continue
		}

		taskID := uuid.NewString()
		accepted = append(accepted, uploadTask{TaskID: taskID, Filename: name})
		refs = append(refs, progress.TaskRef{TaskID: taskID, Filename: name})
		tasks = append(tasks, ingest.Task{
			TaskID:     taskID,
			DocumentID: uuid.NewString(),
			FilePath:   tmpPath,
			Filename:   name,
			FileHash:   hash,
			FileSize:   size,
			UploadedAt: uploadedAt,
		})
	}

	if len(accepted) == 0 {
		reason := "no supported files in upload"
		if len(rejected) > 0 {
			reason = rejected[0].Reason
		}
		respondError(w, http.StatusBadRequest, reason)
		return
	}

	batchID := uuid.NewString()
	if err := s.progress.Start(r.Context(), batchID, refs); err != nil {
		s.logger.Error("failed to start batch", "batch_id", batchID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to start batch: "+err.Error())
		return
	}
	// A failed enqueue demotes that file to the rejected list; the batch
	// still goes out as long as one task made it onto the queue.
	enqueued := accepted[:0]
	for i := range tasks {
		tasks[i].BatchID = batchID
		if err := s.queue.Enqueue(r.Context(), tasks[i]); err != nil {
			s.logger.Error("failed to enqueue task",
				"batch_id", batchID, "file", tasks[i].Filename, "error", err)
			data := map[string]any{"filename": tasks[i].Filename, "error": "failed to enqueue ingestion task"}
			if perr := s.progress.UpdateTask(r.Context(), batchID, tasks[i].TaskID, progress.TaskError, data); perr != nil {
				s.logger.Error("failed to record enqueue failure",
					"batch_id", batchID, "file", tasks[i].Filename, "error", perr)
			}
			_ = os.Remove(tasks[i].FilePath)
			rejected = append(rejected, uploadRejection{
				Filename: tasks[i].Filename,
				Reason:   "failed to enqueue ingestion task",
			})
			continue
		}
		enqueued = append(enqueued, accepted[i])
	}
	if len(enqueued) == 0 {
		respondError(w, http.StatusInternalServerError, "failed to enqueue ingestion tasks")
		return
	}

	s.logger.Info("batch queued", "batch_id", batchID,
		"accepted", len(enqueued), "rejected", len(rejected))
	respondJSON(w, http.StatusOK, uploadResponse{
		Status:   "queued",
		BatchID:  batchID,
		Tasks:    enqueued,
		Rejected: rejected,
	})
}

// spoolUpload copies the part to the temp dir, hashing it along the way. The
// ingestion worker owns the temp file afterwards.
func (s *Server) spoolUpload(header *multipart.FileHeader) (path, hash string, size int64, err error) {
	src, err := header.Open()
	if err != nil {
		return "", "", 0, fmt.Errorf("opening upload: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(s.cfg.Env.UploadTempDir, 0o755); err != nil {
		return "", "", 0, fmt.Errorf("creating temp dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.cfg.Env.UploadTempDir, "upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		return "", "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer tmp.Close()

	digest := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, digest), src)
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", "", 0, fmt.Errorf("writing temp file: %w", err)
	}
	return tmp.Name(), hex.EncodeToString(digest.Sum(nil)), size, nil
}

type filesCheckRequest struct {
	Files []vectorstore.FileCheck `json:"files"`
}

func (s *Server) handleFilesCheck(w http.ResponseWriter, r *http.Request) {
	var req filesCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	results, err := s.store.CheckHashes(r.Context(), req.Files)
	if err != nil {
		s.logger.Error("hash check failed", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	batch, err := s.progress.Get(r.Context(), batchID)
	if errors.Is(err, progress.ErrNotFound) {
		respondError(w, http.StatusNotFound, "batch not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to read batch", "batch_id", batchID, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, batch)
}

const batchPollInterval = 500 * time.Millisecond

// handleBatchStream pushes progress snapshots over SSE until the batch
// finishes or the record disappears.
func (s *Server) handleBatchStream(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sse := newSSEWriter(w, flusher)
	ticker := time.NewTicker(batchPollInterval)
	defer ticker.Stop()

	for {
		batch, err := s.progress.Get(r.Context(), batchID)
		if err != nil {
			msg := "batch not found"
			if !errors.Is(err, progress.ErrNotFound) {
				s.logger.Error("batch stream read failed", "batch_id", batchID, "error", err)
				msg = err.Error()
			}
			_ = sse.send("error", map[string]string{"error": msg})
			return
		}

		if batch.Done() {
			_ = sse.send("complete", batch)
			return
		}
		if err := sse.send("progress", batch); err != nil {
			return
		}

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}
