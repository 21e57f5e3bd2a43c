// Package memory keeps per-session chat history under a token budget, with
// an in-process cache in front of Redis. Temporary sessions live only in the
// cache and are never written to Redis.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound marks a session with no stored history.
var ErrNotFound = errors.New("session not found")

// Message is one stored chat turn.
type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// SessionInfo summarizes one session for listings.
type SessionInfo struct {
	ID           string    `json:"id"`
	Messages     int       `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Temporary    bool      `json:"temporary"`
}

type session struct {
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	temporary    bool
}

// Store manages session histories. A nil Redis client keeps everything
// in process, which tests rely on.
type Store struct {
	client      *redis.Client
	ttl         time.Duration
	tokenBudget int
	logger      *slog.Logger
	now         func() time.Time

	mu    sync.RWMutex
	cache map[string]*session
}

func NewStore(client *redis.Client, ttl time.Duration, tokenBudget int, logger *slog.Logger) *Store {
	return &Store{
		client:      client,
		ttl:         ttl,
		tokenBudget: tokenBudget,
		logger:      logger.With("component", "memory"),
		now:         time.Now,
		cache:       make(map[string]*session),
	}
}

func sessionKey(id string) string { return "session:" + id }

// cleanupInterval is how often idle cache entries are swept.
const cleanupInterval = 5 * time.Minute

// RunCleanup drops cache entries idle past the TTL until ctx is cancelled.
// Temporary sessions exist only in the cache, so this sweep is their expiry.
func (s *Store) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.cleanup(); n > 0 {
				s.logger.Debug("expired idle sessions", "count", n)
			}
		}
	}
}

func (s *Store) cleanup() int {
	if s.ttl <= 0 {
		return 0
	}
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.cache {
		if now.Sub(sess.LastActiveAt) > s.ttl {
			delete(s.cache, id)
			removed++
		}
	}
	return removed
}

// estimateTokens approximates tokens as words * 4/3.
func estimateTokens(text string) int {
	return len(strings.Fields(text)) * 4 / 3
}

func historyTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += estimateTokens(m.Content)
	}
	return total
}

// Append adds messages to the session, evicting the oldest non-system turns
// once the token budget is exceeded. Temporary sessions skip persistence.
func (s *Store) Append(ctx context.Context, sessionID string, temporary bool, messages ...Message) error {
	now := s.now().UTC()

	s.mu.Lock()
	sess, ok := s.cache[sessionID]
	if !ok {
		loaded, err := s.load(ctx, sessionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.mu.Unlock()
			return err
		}
		if loaded == nil {
			loaded = &session{CreatedAt: now}
		}
		loaded.temporary = temporary
		sess = loaded
		s.cache[sessionID] = sess
	}

	sess.Messages = append(sess.Messages, messages...)
	sess.LastActiveAt = now
	evicted := evict(sess, s.tokenBudget)
	// The snapshot is marshalled after the lock is released; it must not
	// share the Messages backing array with the cached session.
	snapshot := session{
		Messages:     append([]Message(nil), sess.Messages...),
		CreatedAt:    sess.CreatedAt,
		LastActiveAt: sess.LastActiveAt,
	}
	s.mu.Unlock()

	if evicted > 0 {
		s.logger.Debug("evicted old messages", "session_id", sessionID, "evicted", evicted)
	}
	if temporary || sess.temporary {
		return nil
	}
	return s.persist(ctx, sessionID, &snapshot)
}

// evict drops the oldest non-system messages until the history fits the
// budget, returning how many were removed.
func evict(sess *session, budget int) int {
	if budget <= 0 {
		return 0
	}
	evicted := 0
	for historyTokens(sess.Messages) > budget {
		idx := -1
		for i, m := range sess.Messages {
			if m.Role != "system" {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		sess.Messages = append(sess.Messages[:idx], sess.Messages[idx+1:]...)
		evicted++
	}
	return evicted
}

// History returns the session's messages, consulting the cache first.
func (s *Store) History(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	if sess, ok := s.cache[sessionID]; ok {
		out := make([]Message, len(sess.Messages))
		copy(out, sess.Messages)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	sess, err := s.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[sessionID] = sess
	s.mu.Unlock()
	return sess.Messages, nil
}

// Clear wipes the session's messages but keeps the session itself.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	sess, ok := s.cache[sessionID]
	if ok {
		sess.Messages = nil
		sess.LastActiveAt = s.now().UTC()
	}
	var snapshot *session
	if ok && !sess.temporary {
		copied := *sess
		snapshot = &copied
	}
	s.mu.Unlock()

	if snapshot != nil {
		return s.persist(ctx, sessionID, snapshot)
	}
	if !ok && s.client != nil {
		// Not cached locally; clear whatever Redis holds.
		sess, err := s.load(ctx, sessionID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		sess.Messages = nil
		sess.LastActiveAt = s.now().UTC()
		return s.persist(ctx, sessionID, sess)
	}
	return nil
}

// Delete removes the session entirely.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.cache, sessionID)
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("deleting session %s: %w", sessionID, err)
	}
	return nil
}

// List returns known sessions, most recently active first. Persisted
// sessions come from Redis; temporary ones from the cache.
func (s *Store) List(ctx context.Context) ([]SessionInfo, error) {
	infos := make(map[string]SessionInfo)

	if s.client != nil {
		iter := s.client.Scan(ctx, 0, sessionKey("*"), 100).Iterator()
		for iter.Next(ctx) {
			id := strings.TrimPrefix(iter.Val(), "session:")
			sess, err := s.load(ctx, id)
			if err != nil {
				continue
			}
			infos[id] = SessionInfo{
				ID:           id,
				Messages:     len(sess.Messages),
				CreatedAt:    sess.CreatedAt,
				LastActiveAt: sess.LastActiveAt,
			}
		}
		if err := iter.Err(); err != nil {
			return nil, fmt.Errorf("scanning sessions: %w", err)
		}
	}

	s.mu.RLock()
	for id, sess := range s.cache {
		if _, seen := infos[id]; seen {
			continue
		}
		infos[id] = SessionInfo{
			ID:           id,
			Messages:     len(sess.Messages),
			CreatedAt:    sess.CreatedAt,
			LastActiveAt: sess.LastActiveAt,
			Temporary:    sess.temporary,
		}
	}
	s.mu.RUnlock()

	out := make([]SessionInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.After(out[j].LastActiveAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) load(ctx context.Context, sessionID string) (*session, error) {
	if s.client == nil {
		return nil, ErrNotFound
	}
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", sessionID, err)
	}
	var sess session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (s *Store) persist(ctx context.Context, sessionID string, sess *session) error {
	if s.client == nil {
		return nil
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sessionID, err)
	}
	if err := s.client.Set(ctx, sessionKey(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing session %s: %w", sessionID, err)
	}
	return nil
}
