// Package retriever produces ranked candidate chunks for a query by fusing
// dense vector search with sparse BM25 search.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"ragserver/internal/embedder"
	"ragserver/internal/sparse"
	"ragserver/internal/vectorstore"
)

// Candidate is a fused retrieval result. DenseScore is zero when the chunk
// surfaced only through keyword search.
type Candidate struct {
	Chunk      vectorstore.Chunk
	DenseScore float32
	FusedScore float64
}

// Retriever runs both retrieval branches in parallel and fuses the rankings
// with reciprocal rank fusion.
type Retriever struct {
	embedder embedder.Embedder
	store    vectorstore.Store
	sparse   sparse.Searcher
	topK     int
	rrfK     int
	hybrid   bool
	logger   *slog.Logger
}

func New(emb embedder.Embedder, store vectorstore.Store, idx sparse.Searcher, topK, rrfK int, hybrid bool, logger *slog.Logger) *Retriever {
	return &Retriever{
		embedder: emb,
		store:    store,
		sparse:   idx,
		topK:     topK,
		rrfK:     rrfK,
		hybrid:   hybrid,
		logger:   logger.With("component", "retriever"),
	}
}

// Retrieve returns up to topK fused candidates. Dense search failure is
// fatal; sparse failure degrades to dense-only with a warning.
func (r *Retriever) Retrieve(ctx context.Context, query string) ([]Candidate, error) {
	var (
		dense  []vectorstore.SearchResult
		sparse []sparse.Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		vector, err := r.embedder.Embed(gctx, query)
		if err != nil {
			return fmt.Errorf("embedding query: %w", err)
		}
		dense, err = r.store.Query(gctx, vector, r.topK)
		if err != nil {
			return fmt.Errorf("dense search: %w", err)
		}
		return nil
	})
	if r.hybrid && r.sparse != nil && r.sparse.Ready() {
		g.Go(func() error {
			results, err := r.sparse.Search(gctx, query, r.topK)
			if err != nil {
				r.logger.Warn("sparse search failed, using dense only", "error", err)
				return nil
			}
			sparse = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(sparse) == 0 {
		candidates := make([]Candidate, 0, len(dense))
		for rank, res := range dense {
			candidates = append(candidates, Candidate{
				Chunk:      res.Chunk,
				DenseScore: res.Score,
				FusedScore: rrfContribution(r.rrfK, rank),
			})
		}
		return candidates, nil
	}
	return r.fuse(dense, sparse), nil
}

// fuse merges both ranked lists with RRF: each list contributes
// 1/(rrfK + rank) per chunk, ranks starting at 1. Ties break on dense score,
// then chunk ID, so ranking is deterministic across runs.
func (r *Retriever) fuse(dense []vectorstore.SearchResult, keyword []sparse.Result) []Candidate {
	byID := make(map[string]*Candidate)

	for rank, res := range dense {
		byID[res.Chunk.ID] = &Candidate{
			Chunk:      res.Chunk,
			DenseScore: res.Score,
			FusedScore: rrfContribution(r.rrfK, rank),
		}
	}
	for rank, res := range keyword {
		if existing, ok := byID[res.Chunk.ID]; ok {
			existing.FusedScore += rrfContribution(r.rrfK, rank)
			continue
		}
		byID[res.Chunk.ID] = &Candidate{
			Chunk:      res.Chunk,
			FusedScore: rrfContribution(r.rrfK, rank),
		}
	}

	fused := make([]Candidate, 0, len(byID))
	for _, c := range byID {
		fused = append(fused, *c)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].FusedScore != fused[j].FusedScore {
			return fused[i].FusedScore > fused[j].FusedScore
		}
		if fused[i].DenseScore != fused[j].DenseScore {
			return fused[i].DenseScore > fused[j].DenseScore
		}
		return fused[i].Chunk.ID < fused[j].Chunk.ID
	})

	if len(fused) > r.topK {
		fused = fused[:r.topK]
	}
	return fused
}

func rrfContribution(rrfK, zeroBasedRank int) float64 {
	return 1.0 / float64(rrfK+zeroBasedRank+1)
}
