// Package reranker reorders retrieval candidates with a cross-encoder
// relevance model served over HTTP.
package reranker

import (
	"context"

	"ragserver/internal/retriever"
)

// Reranker trims candidates to the topN most relevant for the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []retriever.Candidate, topN int) ([]retriever.Candidate, error)
}

// Passthrough keeps the fused order and truncates to topN. Used when
// reranking is disabled.
type Passthrough struct{}

var _ Reranker = Passthrough{}

func (Passthrough) Rerank(_ context.Context, _ string, candidates []retriever.Candidate, topN int) ([]retriever.Candidate, error) {
	if topN > 0 && len(candidates) > topN {
		candidates = candidates[:topN]
	}
	return candidates, nil
}
