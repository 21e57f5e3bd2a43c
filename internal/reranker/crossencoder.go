package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"ragserver/internal/config"
	"ragserver/internal/retriever"
)

// CrossEncoder scores (query, chunk) pairs against a reranking endpoint.
type CrossEncoder struct {
	baseURL string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

var _ Reranker = (*CrossEncoder)(nil)

func NewCrossEncoder(cfg config.RerankerConfig, logger *slog.Logger) *CrossEncoder {
	return &CrossEncoder{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  logger.With("component", "reranker", "model", cfg.Model),
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// Preload warms the model with a trivial request so the first user query
// does not pay the load latency. Failure is logged, not fatal.
func (c *CrossEncoder) Preload(ctx context.Context) {
	started := time.Now()
	_, err := c.score(ctx, "warmup", []string{"warmup"})
	if err != nil {
		c.logger.Warn("reranker preload failed", "error", err)
		return
	}
	c.logger.Info("reranker model loaded", "elapsed", time.Since(started))
}

func (c *CrossEncoder) Rerank(ctx context.Context, query string, candidates []retriever.Candidate, topN int) ([]retriever.Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	documents := make([]string, len(candidates))
	for i, cand := range candidates {
		documents[i] = cand.Chunk.Text
	}
	scores, err := c.score(ctx, query, documents)
	if err != nil {
		return nil, err
	}

	type scored struct {
		candidate retriever.Candidate
		score     float64
	}
	ranked := make([]scored, 0, len(scores))
	for index, score := range scores {
		if index < 0 || index >= len(candidates) {
			continue
		}
		ranked = append(ranked, scored{candidate: candidates[index], score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if topN > 0 && len(ranked) > topN {
		ranked = ranked[:topN]
	}
	out := make([]retriever.Candidate, len(ranked))
	for i, r := range ranked {
		out[i] = r.candidate
	}
	return out, nil
}

// score returns relevance by document index.
func (c *CrossEncoder) score(ctx context.Context, query string, documents []string) (map[int]float64, error) {
	body, err := json.Marshal(rerankRequest{Model: c.model, Query: query, Documents: documents})
	if err != nil {
		return nil, fmt.Errorf("encoding rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/reranking", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling reranker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("reranker returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding rerank response: %w", err)
	}

	scores := make(map[int]float64, len(out.Results))
	for _, r := range out.Results {
		scores[r.Index] = r.RelevanceScore
	}
	return scores, nil
}
