package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(budget int) *Store {
	return NewStore(nil, time.Hour, budget, slog.New(slog.DiscardHandler))
}

func msg(role, content string) Message {
	return Message{Role: role, Content: content, Time: time.Now().UTC()}
}

func wordsOfLen(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

func TestAppendAndHistory(t *testing.T) {
	s := newTestStore(3000)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess-1", false,
		msg("user", "what is qdrant?"),
		msg("assistant", "a vector database"),
	))

	history, err := s.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "a vector database", history[1].Content)
}

func TestHistoryUnknownSession(t *testing.T) {
	s := newTestStore(3000)
	_, err := s.History(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEvictionDropsOldestFirst(t *testing.T) {
	// Budget of 100 tokens = 75 words. Each message is 30 words (40 tokens).
	s := newTestStore(100)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(ctx, "sess-1", false,
			msg("user", fmt.Sprintf("m%d %s", i, wordsOfLen(29)))))
	}

	history, err := s.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, strings.HasPrefix(history[0].Content, "m2"))
	assert.True(t, strings.HasPrefix(history[1].Content, "m3"))
}

func TestEvictionSparesSystemMessages(t *testing.T) {
	s := newTestStore(100)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess-1", false, msg("system", wordsOfLen(30))))
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, "sess-1", false, msg("user", wordsOfLen(30))))
	}

	history, err := s.History(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "system", history[0].Role)
}

func TestClearKeepsSession(t *testing.T) {
	s := newTestStore(3000)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess-1", false, msg("user", "hello")))
	require.NoError(t, s.Clear(ctx, "sess-1"))

	history, err := s.History(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, history)

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "sess-1", infos[0].ID)
}

func TestDeleteRemovesSession(t *testing.T) {
	s := newTestStore(3000)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess-1", false, msg("user", "hello")))
	require.NoError(t, s.Delete(ctx, "sess-1"))

	_, err := s.History(ctx, "sess-1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListOrdersByActivity(t *testing.T) {
	s := newTestStore(3000)
	ctx := context.Background()

	times := []time.Time{
		time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC),
	}
	i := 0
	s.now = func() time.Time { t := times[i%len(times)]; i++; return t }

	require.NoError(t, s.Append(ctx, "older", false, msg("user", "a")))
	require.NoError(t, s.Append(ctx, "newer", false, msg("user", "b")))

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "newer", infos[0].ID)
	assert.Equal(t, "older", infos[1].ID)
}

func TestCleanupExpiresIdleSessions(t *testing.T) {
	s := newTestStore(3000)
	ctx := context.Background()

	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	require.NoError(t, s.Append(ctx, "stale", true, msg("user", "old scratch")))
	require.NoError(t, s.Append(ctx, "fresh", true, msg("user", "new scratch")))

	// Only "stale" crossed the TTL; advance past it for that session alone.
	s.mu.Lock()
	s.cache["stale"].LastActiveAt = base.Add(-2 * time.Hour)
	s.mu.Unlock()

	assert.Equal(t, 1, s.cleanup())

	_, err := s.History(ctx, "stale")
	assert.True(t, errors.Is(err, ErrNotFound))
	history, err := s.History(ctx, "fresh")
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestCleanupDisabledWithoutTTL(t *testing.T) {
	s := NewStore(nil, 0, 3000, slog.New(slog.DiscardHandler))
	require.NoError(t, s.Append(context.Background(), "sess-1", true, msg("user", "hello")))
	assert.Equal(t, 0, s.cleanup())
}

func TestAppendSnapshotDoesNotShareMessages(t *testing.T) {
	s := newTestStore(3000)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "sess-1", false, msg("user", "one"), msg("assistant", "two")))

	s.mu.RLock()
	cached := s.cache["sess-1"].Messages
	s.mu.RUnlock()

	history, err := s.History(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Growing the cached session must not be visible through earlier copies.
	require.NoError(t, s.Append(ctx, "sess-1", false, msg("user", "three")))
	assert.Len(t, history, 2)
	assert.Equal(t, "one", cached[0].Content)
}

func TestTemporarySessionsListedAsTemporary(t *testing.T) {
	s := newTestStore(3000)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "temp-1", true, msg("user", "scratch")))

	infos, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Temporary)
}
