package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"ragserver/internal/config"
)

// Per-provider API endpoints for the OpenAI-compatible providers.
var openAICompatibleURLs = map[string]string{
	config.ProviderDeepSeek: "https://api.deepseek.com",
	config.ProviderMoonshot: "https://api.moonshot.ai/v1",
}

// OpenAI serves OpenAI itself plus the chat-completions-compatible providers
// (DeepSeek, Moonshot) by switching the base URL.
type OpenAI struct {
	client openai.Client
	model  string
	logger *slog.Logger
}

var _ Client = (*OpenAI)(nil)

func NewOpenAI(cfg config.LLMConfig, logger *slog.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s requires an api key", cfg.Provider)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openAICompatibleURLs[cfg.Provider]
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		logger: logger.With("component", "llm", "provider", cfg.Provider),
	}, nil
}

func (c *OpenAI) ModelName() string { return c.model }

func (c *OpenAI) buildParams(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	return params
}

func (c *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(req))
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAI) StreamComplete(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.buildParams(req))

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			if len(event.Choices) == 0 {
				continue
			}
			token := event.Choices[0].Delta.Content
			if token == "" {
				continue
			}
			select {
			case chunks <- StreamChunk{Token: token}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			select {
			case chunks <- StreamChunk{Err: fmt.Errorf("chat stream: %w", err)}:
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
