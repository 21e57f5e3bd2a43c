// Package sparse maintains an in-process BM25 index over all stored chunks.
// The index is rebuilt from the vector store after ingestion and deletion and
// swapped in atomically, so searches never observe a half-built index.
package sparse

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/blevesearch/bleve/v2"

	"ragserver/internal/vectorstore"
)

// Result is a chunk scored by BM25 relevance. Scores are only comparable
// within a single search.
type Result struct {
	Chunk vectorstore.Chunk
	Score float64
}

// Searcher is the keyword-search surface the retriever consumes.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Result, error)
	Ready() bool
}

type indexedChunk struct {
	Text string `json:"text"`
}

// Index is a swap-on-refresh BM25 index. The zero value is unusable; use
// NewIndex.
type Index struct {
	mu     sync.RWMutex
	idx    bleve.Index
	chunks map[string]vectorstore.Chunk
	logger *slog.Logger
}

var _ Searcher = (*Index)(nil)

func NewIndex(logger *slog.Logger) *Index {
	return &Index{logger: logger.With("component", "sparse")}
}

// Refresh rebuilds the index from chunks and swaps it in. An empty chunk set
// leaves the index uninitialized so hybrid retrieval degrades to dense-only.
func (i *Index) Refresh(ctx context.Context, chunks []vectorstore.Chunk) error {
	if len(chunks) == 0 {
		i.swap(nil, nil)
		i.logger.Info("sparse index cleared")
		return nil
	}

	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return fmt.Errorf("creating bm25 index: %w", err)
	}

	byID := make(map[string]vectorstore.Chunk, len(chunks))
	batch := idx.NewBatch()
	for _, chunk := range chunks {
		if chunk.ID == "" || chunk.Text == "" {
			continue
		}
		if err := batch.Index(chunk.ID, indexedChunk{Text: chunk.Text}); err != nil {
			idx.Close()
			return fmt.Errorf("indexing chunk %s: %w", chunk.ID, err)
		}
		byID[chunk.ID] = chunk
	}
	if err := ctx.Err(); err != nil {
		idx.Close()
		return err
	}
	if err := idx.Batch(batch); err != nil {
		idx.Close()
		return fmt.Errorf("committing bm25 batch: %w", err)
	}

	i.swap(idx, byID)
	i.logger.Info("sparse index refreshed", "chunks", len(byID))
	return nil
}

func (i *Index) swap(idx bleve.Index, chunks map[string]vectorstore.Chunk) {
	i.mu.Lock()
	old := i.idx
	i.idx, i.chunks = idx, chunks
	i.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Ready reports whether the index has been built with at least one chunk.
func (i *Index) Ready() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.idx != nil && len(i.chunks) > 0
}

// Search returns the top-k BM25 matches. An uninitialized index or blank
// query returns no results without error.
func (i *Index) Search(ctx context.Context, query string, k int) ([]Result, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.idx == nil || len(i.chunks) == 0 || query == "" || k <= 0 {
		return nil, nil
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), k, 0, false)
	res, err := i.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bm25 search: %w", err)
	}

	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		chunk, ok := i.chunks[hit.ID]
		if !ok {
			continue
		}
		results = append(results, Result{Chunk: chunk, Score: hit.Score})
	}
	return results, nil
}
