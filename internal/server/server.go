// Package server exposes the HTTP API: query (blocking and streamed),
// uploads, batch progress, document management, and chat sessions.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ragserver/internal/chat"
	"ragserver/internal/config"
	"ragserver/internal/docstore"
	"ragserver/internal/ingest"
	"ragserver/internal/memory"
	"ragserver/internal/progress"
	"ragserver/internal/vectorstore"
)

// QueryEngine is the conversational surface the handlers call.
type QueryEngine interface {
	Query(ctx context.Context, sessionID string, temporary bool, question string) (*chat.Answer, error)
	StreamQuery(ctx context.Context, sessionID string, temporary bool, question string) (<-chan chat.Event, error)
}

// TaskQueue enqueues ingestion work for the worker pool.
type TaskQueue interface {
	Enqueue(ctx context.Context, task ingest.Task) error
}

// BatchTracker is the progress-store slice the handlers need.
type BatchTracker interface {
	Start(ctx context.Context, batchID string, tasks []progress.TaskRef) error
	Get(ctx context.Context, batchID string) (*progress.Batch, error)
	UpdateTask(ctx context.Context, batchID, taskID, status string, data map[string]any) error
}

// SessionStore serves chat history and session management.
type SessionStore interface {
	History(ctx context.Context, sessionID string) ([]memory.Message, error)
	Clear(ctx context.Context, sessionID string) error
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]memory.SessionInfo, error)
}

// SparseRefresher rebuilds the keyword index after document deletion.
type SparseRefresher interface {
	Refresh(ctx context.Context, chunks []vectorstore.Chunk) error
}

// Options wires the server's collaborators.
type Options struct {
	Config         *config.Config
	Engine         QueryEngine
	Store          vectorstore.Store
	Documents      *docstore.Store
	Sessions       SessionStore
	Progress       BatchTracker
	Queue          TaskQueue
	Sparse         SparseRefresher
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server wraps the HTTP server and its chi router.
type Server struct {
	server   *http.Server
	router   *chi.Mux
	cfg      *config.Config
	engine   QueryEngine
	store    vectorstore.Store
	docs     *docstore.Store
	sessions SessionStore
	progress BatchTracker
	queue    TaskQueue
	sparse   SparseRefresher
	logger   *slog.Logger
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      opts.Config,
		engine:   opts.Engine,
		store:    opts.Store,
		docs:     opts.Documents,
		sessions: opts.Sessions,
		progress: opts.Progress,
		queue:    opts.Queue,
		sparse:   opts.Sparse,
		logger:   logger.With("component", "server"),
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(s.logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(opts.AllowedOrigins))

	router.Get("/health", s.handleHealth)
	router.Get("/config", s.handleConfig)
	router.Get("/models/info", s.handleModelsInfo)

	router.Post("/query", s.handleQuery)
	router.Post("/query/stream", s.handleQueryStream)

	router.Post("/upload", s.handleUpload)
	router.Post("/files/check", s.handleFilesCheck)
	router.Get("/batches/{batchID}", s.handleBatch)
	router.Get("/batches/{batchID}/stream", s.handleBatchStream)

	router.Get("/documents", s.handleListDocuments)
	router.Delete("/documents/{documentID}", s.handleDeleteDocument)
	router.Get("/documents/{documentID}/download", s.handleDownloadDocument)

	router.Get("/chat/history/{sessionID}", s.handleChatHistory)
	router.Post("/chat/clear", s.handleChatClear)
	router.Get("/sessions", s.handleListSessions)
	router.Delete("/sessions/{sessionID}", s.handleDeleteSession)

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Config.Env.HTTPPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streaming LLM responses
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the router, used by tests to serve without a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]int{
		"max_upload_size_mb": s.cfg.Env.MaxUploadSizeMB,
	})
}

func (s *Server) handleModelsInfo(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"llm_model":        s.cfg.LLM.Model,
		"llm_hosting":      s.cfg.LLMHosting(),
		"embedding_model":  s.cfg.Embedding.Model,
		"reranker_enabled": s.cfg.Reranker.Enabled,
	}
	if s.cfg.Reranker.Enabled {
		info["reranker_model"] = s.cfg.Reranker.Model
	}
	respondJSON(w, http.StatusOK, info)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError matches the {detail: message} error body clients expect.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"detail": message})
}

// requestLoggingMiddleware logs every request with its status and latency.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers; an empty allowlist permits all
// origins for development.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
