// ragd is the retrieval-augmented answering service: it ingests uploaded
// documents into a hybrid dense+keyword index and answers questions over
// them through an HTTP API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"ragserver/internal/chat"
	"ragserver/internal/config"
	"ragserver/internal/docstore"
	"ragserver/internal/embedder"
	"ragserver/internal/extract"
	"ragserver/internal/ingest"
	"ragserver/internal/llm"
	"ragserver/internal/memory"
	"ragserver/internal/progress"
	"ragserver/internal/reranker"
	"ragserver/internal/retriever"
	"ragserver/internal/server"
	"ragserver/internal/sparse"
	"ragserver/internal/vectorstore"
)

const (
	collectionName  = "documents"
	chunkTargetSize = 500
	chunkOverlap    = 50
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func configPath() string {
	if path := os.Getenv("MODELS_CONFIG_PATH"); path != "" {
		return path
	}
	return "models.yml"
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting ragd",
		"http_port", cfg.Env.HTTPPort,
		"environment", cfg.Env.Environment,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
	)

	// Redis backs the task queue, batch progress, and session memory.
	redisOpts, err := redis.ParseURL(cfg.Env.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.Info("connected to Redis")

	// The embedder probe fixes the vector dimension for the collection.
	embed, err := embedder.NewOllama(ctx, cfg.Embedding, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %w", err)
	}
	slog.Info("initialized embedder",
		"model", cfg.Embedding.Model, "dimension", embed.Dimension())

	vectorStore, err := vectorstore.NewQdrantStore(ctx, cfg.Env.QdrantGRPCURL, collectionName, embed.Dimension(), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant: %w", err)
	}
	defer vectorStore.Close()
	slog.Info("connected to Qdrant", "collection", collectionName)

	llmClient, err := llm.New(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	slog.Info("initialized LLM client", "provider", cfg.LLM.Provider, "model", llmClient.ModelName())

	stored, err := vectorStore.Count(ctx)
	if err != nil {
		slog.Warn("failed to count stored chunks", "error", err)
	} else {
		slog.Info("vector store ready", "chunks", stored)
	}

	// Rebuild the keyword index from whatever is already stored. A full
	// collection scan is only worth it when hybrid search will use it.
	sparseIndex := sparse.NewIndex(logger)
	if cfg.Retrieval.EnableHybridSearch && stored > 0 {
		if chunks, err := vectorStore.ListAllChunks(ctx); err != nil {
			slog.Warn("failed to load chunks for keyword index", "error", err)
		} else if err := sparseIndex.Refresh(ctx, chunks); err != nil {
			slog.Warn("failed to build keyword index", "error", err)
		} else {
			slog.Info("keyword index built", "chunks", len(chunks))
		}
	}

	var rerank reranker.Reranker = reranker.Passthrough{}
	if cfg.Reranker.Enabled {
		crossEncoder := reranker.NewCrossEncoder(cfg.Reranker, logger)
		// Warm the model before serving so the first query does not race
		// the download.
		preloadCtx, preloadCancel := context.WithTimeout(ctx, 2*time.Minute)
		crossEncoder.Preload(preloadCtx)
		preloadCancel()
		rerank = crossEncoder
		slog.Info("reranker enabled", "model", cfg.Reranker.Model)
	}

	retrieve := retriever.New(embed, vectorStore, sparseIndex,
		cfg.Retrieval.TopK, cfg.Retrieval.RRFK, cfg.Retrieval.EnableHybridSearch, logger)
	sessions := memory.NewStore(redisClient, cfg.Env.SessionTTL, cfg.LLM.MemoryTokenBudget(), logger)
	go sessions.RunCleanup(ctx)
	engine := chat.NewEngine(llmClient, retrieve, rerank, sessions, cfg.RerankTopN(), logger)

	batches := progress.NewStore(redisClient, cfg.Env.ProgressTTL, logger)
	queue := ingest.NewQueue(redisClient)
	documents := docstore.New(cfg.Env.StorageRoot)

	splitter := &extract.SentenceSplitter{ChunkSize: chunkTargetSize, Overlap: chunkOverlap}
	docling := extract.NewDoclingClient(cfg.Env.DoclingURL)
	extractor := extract.NewService(splitter, docling, logger)

	worker := ingest.NewWorker(ingest.WorkerOptions{
		Queue:       queue,
		Extractor:   extractor,
		Embedder:    embed,
		Store:       vectorStore,
		Sparse:      sparseIndex,
		Progress:    batches,
		Documents:   documents,
		LLM:         llmClient,
		Contextual:  cfg.Retrieval.EnableContextualRetrieval,
		StorageRoot: cfg.Env.StorageRoot,
		Concurrency: cfg.Env.WorkerConcurrency,
	}, logger)
	go worker.Run(ctx)

	httpServer := server.New(server.Options{
		Config:         cfg,
		Engine:         engine,
		Store:          vectorStore,
		Documents:      documents,
		Sessions:       sessions,
		Progress:       batches,
		Queue:          queue,
		Sparse:         sparseIndex,
		AllowedOrigins: []string{"*"}, // Configure in production
		Logger:         logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down...")
	cancel() // stop the worker pool
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown HTTP server", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

// Ensure interfaces are satisfied at compile time
var (
	_ vectorstore.Store  = (*vectorstore.QdrantStore)(nil)
	_ embedder.Embedder  = (*embedder.Ollama)(nil)
	_ sparse.Searcher    = (*sparse.Index)(nil)
	_ reranker.Reranker  = (*reranker.CrossEncoder)(nil)
	_ server.QueryEngine = (*chat.Engine)(nil)
)
