// Package chat implements the conversational query engine: condense the
// follow-up into a standalone question, retrieve and rerank context, then
// generate a grounded answer, blocking or streamed.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ragserver/internal/llm"
	"ragserver/internal/memory"
	"ragserver/internal/reranker"
	"ragserver/internal/retriever"
)

const sourceExcerptChars = 200

// Source identifies one chunk that grounded the answer.
type Source struct {
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Excerpt      string  `json:"excerpt"`
	FullText     string  `json:"full_text"`
	Path         string  `json:"path"`
	Score        float64 `json:"score"`
}

// Answer is a complete non-streamed response.
type Answer struct {
	Answer    string   `json:"answer"`
	Sources   []Source `json:"sources"`
	SessionID string   `json:"session_id"`
}

// Event is one increment of a streamed response.
type Event struct {
	Type    string // "sources", "token", "done", "error"
	Token   string
	Sources []Source
	Err     error
}

// candidateRetriever is the retrieval surface the engine consumes.
type candidateRetriever interface {
	Retrieve(ctx context.Context, query string) ([]retriever.Candidate, error)
}

// Engine orchestrates one query end to end.
type Engine struct {
	llm       llm.Client
	retriever candidateRetriever
	reranker  reranker.Reranker
	memory    *memory.Store
	topN      int
	logger    *slog.Logger
	now       func() time.Time
}

func NewEngine(client llm.Client, ret candidateRetriever, rr reranker.Reranker, mem *memory.Store, topN int, logger *slog.Logger) *Engine {
	return &Engine{
		llm:       client,
		retriever: ret,
		reranker:  rr,
		memory:    mem,
		topN:      topN,
		logger:    logger.With("component", "chat"),
		now:       time.Now,
	}
}

// Query answers the question and records both turns in session memory.
func (e *Engine) Query(ctx context.Context, sessionID string, temporary bool, question string) (*Answer, error) {
	candidates, history, err := e.prepare(ctx, sessionID, question)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		answer := &Answer{Answer: AbstentionAnswer, Sources: []Source{}, SessionID: sessionID}
		e.remember(ctx, sessionID, temporary, question, answer.Answer)
		return answer, nil
	}

	out, err := e.llm.Complete(ctx, e.buildMessages(history, candidates, question))
	if err != nil {
		return nil, fmt.Errorf("generating answer: %w", err)
	}

	answer := &Answer{
		Answer:    strings.TrimSpace(out),
		Sources:   buildSources(candidates),
		SessionID: sessionID,
	}
	e.remember(ctx, sessionID, temporary, question, answer.Answer)
	return answer, nil
}

// StreamQuery answers incrementally: token events, then a single sources
// event once generation is complete, then done. Memory is written only after
// the stream finishes; an aborted or failed stream leaves the session
// history untouched.
func (e *Engine) StreamQuery(ctx context.Context, sessionID string, temporary bool, question string) (<-chan Event, error) {
	candidates, history, err := e.prepare(ctx, sessionID, question)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)

	if len(candidates) == 0 {
		go func() {
			defer close(events)
			e.remember(ctx, sessionID, temporary, question, AbstentionAnswer)
			for _, ev := range []Event{
				{Type: "token", Token: AbstentionAnswer},
				{Type: "sources", Sources: []Source{}},
				{Type: "done"},
			} {
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		return events, nil
	}

	chunks, err := e.llm.StreamComplete(ctx, e.buildMessages(history, candidates, question))
	if err != nil {
		return nil, fmt.Errorf("starting answer stream: %w", err)
	}

	go func() {
		defer close(events)

		var answer strings.Builder
		for chunk := range chunks {
			if chunk.Err != nil {
				select {
				case events <- Event{Type: "error", Err: chunk.Err}:
				case <-ctx.Done():
				}
				return
			}
			if chunk.Done {
				e.remember(ctx, sessionID, temporary, question, strings.TrimSpace(answer.String()))
				for _, ev := range []Event{
					{Type: "sources", Sources: buildSources(candidates)},
					{Type: "done"},
				} {
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				}
				return
			}
			answer.WriteString(chunk.Token)
			select {
			case events <- Event{Type: "token", Token: chunk.Token}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// prepare loads history, condenses the question, retrieves, and reranks.
func (e *Engine) prepare(ctx context.Context, sessionID, question string) ([]retriever.Candidate, []memory.Message, error) {
	history, err := e.memory.History(ctx, sessionID)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		return nil, nil, fmt.Errorf("loading session history: %w", err)
	}

	standalone := e.condense(ctx, history, question)

	candidates, err := e.retriever.Retrieve(ctx, standalone)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving context: %w", err)
	}

	reranked, err := e.reranker.Rerank(ctx, standalone, candidates, e.topN)
	if err != nil {
		e.logger.Warn("reranking failed, using fused order", "error", err)
		reranked = candidates
		if e.topN > 0 && len(reranked) > e.topN {
			reranked = reranked[:e.topN]
		}
	}
	return reranked, history, nil
}

// condense rewrites a follow-up into a standalone question. With no prior
// turns, or on failure, the original question is used unchanged.
func (e *Engine) condense(ctx context.Context, history []memory.Message, question string) string {
	if len(history) == 0 {
		return question
	}
	out, err := e.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: condensePrompt(history, question)},
		},
		MaxTokens: 256,
	})
	if err != nil {
		e.logger.Warn("question condensation failed, using original", "error", err)
		return question
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return question
	}
	return out
}

// buildMessages assembles the generation request: grounding instructions in
// the system message, prior turns, then the user's question.
func (e *Engine) buildMessages(history []memory.Message, candidates []retriever.Candidate, question string) llm.Request {
	var contextStr strings.Builder
	for i, c := range candidates {
		if i > 0 {
			contextStr.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&contextStr, "Source: %s\n%s", c.Chunk.Metadata.String("file_name", "unknown"), c.Chunk.Text)
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{
		Role:    llm.RoleSystem,
		Content: systemPrompt + "\n\n" + contextPrompt(contextStr.String()),
	})
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == "assistant" {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: question})
	return llm.Request{Messages: messages}
}

func (e *Engine) remember(ctx context.Context, sessionID string, temporary bool, question, answer string) {
	now := e.now().UTC()
	err := e.memory.Append(ctx, sessionID, temporary,
		memory.Message{Role: "user", Content: question, Time: now},
		memory.Message{Role: "assistant", Content: answer, Time: now},
	)
	if err != nil {
		e.logger.Error("failed to record chat turn", "session_id", sessionID, "error", err)
	}
}

// buildSources returns one source per document, keeping the highest-ranked
// chunk of each, and clips excerpts.
func buildSources(candidates []retriever.Candidate) []Source {
	seen := make(map[string]struct{}, len(candidates))
	sources := make([]Source, 0, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.Chunk.DocumentID]; dup {
			continue
		}
		seen[c.Chunk.DocumentID] = struct{}{}

		score := float64(c.DenseScore)
		if score == 0 {
			score = c.FusedScore
		}
		sources = append(sources, Source{
			DocumentID:   c.Chunk.DocumentID,
			DocumentName: c.Chunk.Metadata.String("file_name", "unknown"),
			Excerpt:      excerpt(c.Chunk.Text),
			FullText:     c.Chunk.Text,
			Path:         c.Chunk.Metadata.String("path", ""),
			Score:        score,
		})
	}
	return sources
}

func excerpt(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= sourceExcerptChars {
		return string(runes)
	}
	return string(runes[:sourceExcerptChars]) + "…"
}
