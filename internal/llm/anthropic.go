package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"ragserver/internal/config"
)

const anthropicDefaultMaxTokens = 2048

// Anthropic adapts the Messages API to the Client interface.
type Anthropic struct {
	client anthropic.Client
	model  string
	logger *slog.Logger
}

var _ Client = (*Anthropic)(nil)

func NewAnthropic(cfg config.LLMConfig, logger *slog.Logger) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider anthropic requires an api key")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
		logger: logger.With("component", "llm", "provider", "anthropic"),
	}, nil
}

func (c *Anthropic) ModelName() string { return c.model }

func (c *Anthropic) buildParams(req Request) anthropic.MessageNewParams {
	system, rest := splitSystem(req.Messages)

	messages := make([]anthropic.MessageParam, 0, len(rest))
	for _, m := range rest {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func (c *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	msg, err := c.client.Messages.New(ctx, c.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("messages api: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	return sb.String(), nil
}

func (c *Anthropic) StreamComplete(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.buildParams(req))

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
			if !ok || text.Text == "" {
				continue
			}
			select {
			case chunks <- StreamChunk{Token: text.Text}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case chunks <- StreamChunk{Err: fmt.Errorf("messages stream: %w", err)}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case chunks <- StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return chunks, nil
}
