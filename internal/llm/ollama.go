package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"ragserver/internal/config"
)

const defaultOllamaURL = "http://localhost:11434"

// Ollama talks to a local Ollama server over its chat API.
type Ollama struct {
	baseURL   string
	model     string
	keepAlive string
	client    *http.Client
	logger    *slog.Logger
}

var _ Client = (*Ollama)(nil)

func NewOllama(cfg config.LLMConfig, logger *slog.Logger) *Ollama {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	return &Ollama{
		baseURL:   baseURL,
		model:     cfg.Model,
		keepAlive: cfg.KeepAlive,
		client:    &http.Client{Timeout: cfg.RequestTimeout()},
		logger:    logger.With("component", "llm", "provider", "ollama"),
	}
}

func (o *Ollama) ModelName() string { return o.model }

type ollamaChatRequest struct {
	Model     string          `json:"model"`
	Messages  []ollamaMessage `json:"messages"`
	Stream    bool            `json:"stream"`
	KeepAlive string          `json:"keep_alive,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (o *Ollama) buildRequest(req Request, stream bool) ollamaChatRequest {
	messages := make([]ollamaMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}
	out := ollamaChatRequest{
		Model:     o.model,
		Messages:  messages,
		Stream:    stream,
		KeepAlive: o.keepAlive,
	}
	options := map[string]any{}
	if req.Temperature > 0 {
		options["temperature"] = req.Temperature
	}
	if req.MaxTokens > 0 {
		options["num_predict"] = req.MaxTokens
	}
	if len(options) > 0 {
		out.Options = options
	}
	return out
}

func (o *Ollama) post(ctx context.Context, payload ollamaChatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling ollama: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return resp, nil
}

func (o *Ollama) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := o.post(ctx, o.buildRequest(req, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama error: %s", out.Error)
	}
	return out.Message.Content, nil
}

func (o *Ollama) StreamComplete(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	resp, err := o.post(ctx, o.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		started := time.Now()
		decoder := json.NewDecoder(resp.Body)
		for {
			var line ollamaChatResponse
			if err := decoder.Decode(&line); err != nil {
				if err == io.EOF {
					return
				}
				select {
				case chunks <- StreamChunk{Err: fmt.Errorf("decoding stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			if line.Error != "" {
				select {
				case chunks <- StreamChunk{Err: fmt.Errorf("ollama error: %s", line.Error)}:
				case <-ctx.Done():
				}
				return
			}
			if line.Done {
				o.logger.Debug("stream finished", "model", o.model, "elapsed", time.Since(started))
				select {
				case chunks <- StreamChunk{Done: true}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case chunks <- StreamChunk{Token: line.Message.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, nil
}
