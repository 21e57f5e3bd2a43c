package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"ragserver/internal/chat"
)

type queryRequest struct {
	Query       string `json:"query"`
	SessionID   string `json:"session_id"`
	IsTemporary bool   `json:"is_temporary"`
	// IncludeChunks defaults to true; when false, sources omit the full
	// chunk text.
	IncludeChunks *bool `json:"include_chunks"`
}

func (q *queryRequest) includeChunks() bool {
	return q.IncludeChunks == nil || *q.IncludeChunks
}

func decodeQueryRequest(r *http.Request) (*queryRequest, error) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return &req, nil
}

func stripFullText(sources []chat.Source) []chat.Source {
	out := make([]chat.Source, len(sources))
	for i, src := range sources {
		src.FullText = ""
		out[i] = src
	}
	return out
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQueryRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	answer, err := s.engine.Query(r.Context(), req.SessionID, req.IsTemporary, req.Query)
	if err != nil {
		s.logger.Error("query failed", "session_id", req.SessionID, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !req.includeChunks() {
		answer.Sources = stripFullText(answer.Sources)
	}
	respondJSON(w, http.StatusOK, answer)
}

func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeQueryRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, err := s.engine.StreamQuery(r.Context(), req.SessionID, req.IsTemporary, req.Query)
	if err != nil {
		s.logger.Error("query stream failed to start", "session_id", req.SessionID, "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sse := newSSEWriter(w, flusher)
	for ev := range events {
		switch ev.Type {
		case "token":
			err = sse.send("token", map[string]string{"token": ev.Token})
		case "sources":
			sources := ev.Sources
			if !req.includeChunks() {
				sources = stripFullText(sources)
			}
			err = sse.send("sources", map[string]any{
				"sources":    sources,
				"session_id": req.SessionID,
			})
		case "done":
			err = sse.send("done", map[string]any{})
		case "error":
			s.logger.Error("query stream failed", "session_id", req.SessionID, "error", ev.Err)
			err = sse.send("error", map[string]string{"error": ev.Err.Error()})
		}
		if err != nil {
			// Client went away; the engine goroutine unwinds via ctx.
			return
		}
	}
}

// sseWriter emits server-sent events, flushing after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter, flusher http.Flusher) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
