package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragserver/internal/llm"
	"ragserver/internal/memory"
	"ragserver/internal/reranker"
	"ragserver/internal/retriever"
	"ragserver/internal/vectorstore"
)

// spyLLM records every request and replays scripted responses.
type spyLLM struct {
	mu        sync.Mutex
	requests  []llm.Request
	responses []string
	err       error

	stream     []llm.StreamChunk
	streamHold chan struct{} // if set, wait before sending each chunk
}

func (s *spyLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "default answer", nil
	}
	out := s.responses[0]
	s.responses = s.responses[1:]
	return out, nil
}

func (s *spyLLM) StreamComplete(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	chunks := s.stream
	hold := s.streamHold
	s.mu.Unlock()

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		for _, chunk := range chunks {
			if hold != nil {
				select {
				case <-hold:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *spyLLM) ModelName() string { return "spy" }

func (s *spyLLM) lastRequest() llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

type stubRetriever struct {
	mu         sync.Mutex
	queries    []string
	candidates []retriever.Candidate
	err        error
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string) ([]retriever.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	if s.err != nil {
		return nil, s.err
	}
	return s.candidates, nil
}

type failingReranker struct{}

func (failingReranker) Rerank(ctx context.Context, query string, c []retriever.Candidate, topN int) ([]retriever.Candidate, error) {
	return nil, errors.New("reranker offline")
}

func candidate(id, docID, fileName, text string, dense float32) retriever.Candidate {
	return retriever.Candidate{
		Chunk: vectorstore.Chunk{
			ID:         id,
			DocumentID: docID,
			Text:       text,
			Metadata:   vectorstore.Metadata{"file_name": fileName},
		},
		DenseScore: dense,
		FusedScore: 0.01,
	}
}

type fixture struct {
	engine    *Engine
	llm       *spyLLM
	retriever *stubRetriever
	memory    *memory.Store
}

func newFixture(t *testing.T, topN int) *fixture {
	t.Helper()
	f := &fixture{
		llm: &spyLLM{},
		retriever: &stubRetriever{candidates: []retriever.Candidate{
			candidate("doc-1-chunk-0", "doc-1", "guide.md", "Qdrant stores vectors.", 0.92),
			candidate("doc-2-chunk-0", "doc-2", "ops.md", "Redis stores progress.", 0.85),
		}},
		memory: memory.NewStore(nil, time.Hour, 3000, slog.New(slog.DiscardHandler)),
	}
	f.engine = NewEngine(f.llm, f.retriever, reranker.Passthrough{}, f.memory, topN, slog.New(slog.DiscardHandler))
	return f
}

func TestQueryAnswersWithSources(t *testing.T) {
	f := newFixture(t, 5)
	f.llm.responses = []string{"Qdrant stores the vectors."}

	answer, err := f.engine.Query(context.Background(), "sess-1", false, "where are vectors stored?")
	require.NoError(t, err)

	assert.Equal(t, "Qdrant stores the vectors.", answer.Answer)
	assert.Equal(t, "sess-1", answer.SessionID)
	require.Len(t, answer.Sources, 2)
	assert.Equal(t, "doc-1", answer.Sources[0].DocumentID)
	assert.Equal(t, "guide.md", answer.Sources[0].DocumentName)
	assert.Equal(t, "Qdrant stores vectors.", answer.Sources[0].FullText)
	assert.InDelta(t, 0.92, answer.Sources[0].Score, 1e-6)

	history, err := f.memory.History(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "where are vectors stored?", history[0].Content)
	assert.Equal(t, "Qdrant stores the vectors.", history[1].Content)
}

func TestQuerySystemMessageCarriesContext(t *testing.T) {
	f := newFixture(t, 5)
	_, err := f.engine.Query(context.Background(), "sess-1", false, "q")
	require.NoError(t, err)

	req := f.lastGeneration()
	require.NotEmpty(t, req.Messages)
	system := req.Messages[0]
	assert.Equal(t, llm.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "Context from retrieved documents:")
	assert.Contains(t, system.Content, "Qdrant stores vectors.")
	assert.Contains(t, system.Content, AbstentionAnswer)
	assert.Equal(t, llm.RoleUser, req.Messages[len(req.Messages)-1].Role)
	assert.Equal(t, "q", req.Messages[len(req.Messages)-1].Content)
}

func (f *fixture) lastGeneration() llm.Request { return f.llm.lastRequest() }

func TestQueryEmptyIndexAbstains(t *testing.T) {
	f := newFixture(t, 5)
	f.retriever.candidates = nil

	answer, err := f.engine.Query(context.Background(), "sess-1", false, "anything?")
	require.NoError(t, err)
	assert.Equal(t, AbstentionAnswer, answer.Answer)
	assert.Empty(t, answer.Sources)
	// No generation call happened.
	assert.Empty(t, f.llm.requests)

	history, err := f.memory.History(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, AbstentionAnswer, history[1].Content)
}

func TestFollowUpIsCondensedBeforeRetrieval(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	require.NoError(t, f.memory.Append(ctx, "sess-1", false,
		memory.Message{Role: "user", Content: "what is qdrant?"},
		memory.Message{Role: "assistant", Content: "A vector database."},
	))
	f.llm.responses = []string{"What ports does Qdrant use?", "6333 and 6334."}

	answer, err := f.engine.Query(ctx, "sess-1", false, "which ports does it use?")
	require.NoError(t, err)
	assert.Equal(t, "6333 and 6334.", answer.Answer)

	// First Complete call is the condensation; its prompt holds the history.
	condenseReq := f.llm.requests[0]
	assert.Contains(t, condenseReq.Messages[1].Content, "standalone question")
	assert.Contains(t, condenseReq.Messages[1].Content, "Human: what is qdrant?")
	assert.Contains(t, condenseReq.Messages[1].Content, "which ports does it use?")

	// The retriever saw the condensed question, not the follow-up.
	assert.Equal(t, []string{"What ports does Qdrant use?"}, f.retriever.queries)
}

func TestCondenseFailureFallsBackToOriginal(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	require.NoError(t, f.memory.Append(ctx, "sess-1", false,
		memory.Message{Role: "user", Content: "hi"},
		memory.Message{Role: "assistant", Content: "hello"},
	))
	f.llm.err = errors.New("llm down")

	_, err := f.engine.Query(ctx, "sess-1", false, "original question?")
	require.Error(t, err) // generation also fails with the same spy error
	assert.Equal(t, []string{"original question?"}, f.retriever.queries)
}

func TestRerankFailureFallsBackToFusedOrder(t *testing.T) {
	f := newFixture(t, 1)
	f.engine = NewEngine(f.llm, f.retriever, failingReranker{}, f.memory, 1, slog.New(slog.DiscardHandler))

	answer, err := f.engine.Query(context.Background(), "sess-1", false, "q")
	require.NoError(t, err)
	require.Len(t, answer.Sources, 1)
	assert.Equal(t, "Qdrant stores vectors.", answer.Sources[0].FullText)
}

func TestStreamQueryOrderAndMemory(t *testing.T) {
	f := newFixture(t, 5)
	f.llm.stream = []llm.StreamChunk{
		{Token: "The "}, {Token: "answer."}, {Done: true},
	}

	events, err := f.engine.StreamQuery(context.Background(), "sess-1", false, "q")
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 4)
	assert.Equal(t, "token", got[0].Type)
	assert.Equal(t, "token", got[1].Type)
	assert.Equal(t, "sources", got[2].Type)
	require.Len(t, got[2].Sources, 2)
	assert.Equal(t, "done", got[3].Type)

	history, err := f.memory.History(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "The answer.", history[1].Content)
}

func TestStreamQueryAbortSkipsMemory(t *testing.T) {
	f := newFixture(t, 5)
	hold := make(chan struct{})
	f.llm.stream = []llm.StreamChunk{{Token: "a"}, {Token: "b"}, {Done: true}}
	f.llm.streamHold = hold

	ctx, cancel := context.WithCancel(context.Background())
	events, err := f.engine.StreamQuery(ctx, "sess-1", false, "q")
	require.NoError(t, err)

	hold <- struct{}{}
	ev := <-events
	assert.Equal(t, "token", ev.Type)

	cancel()
	for range events {
	}

	_, err = f.memory.History(context.Background(), "sess-1")
	assert.True(t, errors.Is(err, memory.ErrNotFound), "aborted stream must not persist the turn")
}

func TestStreamQueryErrorEventSkipsMemory(t *testing.T) {
	f := newFixture(t, 5)
	f.llm.stream = []llm.StreamChunk{{Token: "part"}, {Err: errors.New("upstream reset")}}

	events, err := f.engine.StreamQuery(context.Background(), "sess-1", false, "q")
	require.NoError(t, err)

	var sawError bool
	for ev := range events {
		if ev.Type == "error" {
			sawError = true
			assert.ErrorContains(t, ev.Err, "upstream reset")
		}
	}
	assert.True(t, sawError)

	_, err = f.memory.History(context.Background(), "sess-1")
	assert.True(t, errors.Is(err, memory.ErrNotFound))
}

func TestStreamQueryEmptyIndexStreamsAbstention(t *testing.T) {
	f := newFixture(t, 5)
	f.retriever.candidates = nil

	events, err := f.engine.StreamQuery(context.Background(), "sess-1", false, "q")
	require.NoError(t, err)

	var tokens strings.Builder
	var types []string
	for ev := range events {
		types = append(types, ev.Type)
		tokens.WriteString(ev.Token)
	}
	assert.Equal(t, []string{"token", "sources", "done"}, types)
	assert.Equal(t, AbstentionAnswer, tokens.String())
}

func TestBuildSourcesOnePerDocument(t *testing.T) {
	long := strings.Repeat("x", 450)
	sources := buildSources([]retriever.Candidate{
		candidate("doc-a-chunk-0", "doc-a", "a.md", long, 0.9),
		candidate("doc-a-chunk-1", "doc-a", "a.md", "later chunk of the same file", 0.7),
		candidate("doc-b-chunk-0", "doc-b", "b.md", "short", 0),
	})

	require.Len(t, sources, 2)
	assert.Equal(t, "doc-a", sources[0].DocumentID)
	assert.Equal(t, long, sources[0].FullText)
	assert.Equal(t, sourceExcerptChars+1, len([]rune(sources[0].Excerpt)))
	assert.True(t, strings.HasSuffix(sources[0].Excerpt, "…"))
	assert.Equal(t, "short", sources[1].Excerpt)
	assert.InDelta(t, 0.01, sources[1].Score, 1e-9) // fused fallback
}
