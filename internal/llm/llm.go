// Package llm abstracts chat-completion providers behind a single client
// interface with blocking and streaming entry points.
package llm

import (
	"context"
	"fmt"
	"log/slog"

	"ragserver/internal/config"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request carries the transcript plus per-call generation settings.
// Zero-valued settings use provider defaults.
type Request struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// StreamChunk is one increment of a streamed completion. After Done or a
// non-nil Err no further chunks are sent.
type StreamChunk struct {
	Token string
	Done  bool
	Err   error
}

// Client generates chat completions.
type Client interface {
	// Complete returns the full assistant response.
	Complete(ctx context.Context, req Request) (string, error)

	// StreamComplete returns a channel of response increments. The channel is
	// closed after the final chunk; cancelling ctx stops generation.
	StreamComplete(ctx context.Context, req Request) (<-chan StreamChunk, error)

	// ModelName reports the configured model identifier.
	ModelName() string
}

// New builds the client for the configured provider. API keys are expected
// to already be injected into cfg by config.Load.
func New(cfg config.LLMConfig, logger *slog.Logger) (Client, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		return NewOllama(cfg, logger), nil
	case config.ProviderOpenAI, config.ProviderDeepSeek, config.ProviderMoonshot:
		return NewOpenAI(cfg, logger)
	case config.ProviderAnthropic:
		return NewAnthropic(cfg, logger)
	case config.ProviderGoogle:
		return NewGoogle(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// splitSystem separates leading system messages from the conversational
// turns, for providers that take the system prompt out of band.
func splitSystem(messages []Message) (system string, rest []Message) {
	for i, m := range messages {
		if m.Role != RoleSystem {
			return system, messages[i:]
		}
		if system != "" {
			system += "\n\n"
		}
		system += m.Content
	}
	return system, nil
}
