package llm

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"ragserver/internal/config"
)

// Google adapts the Gemini API to the Client interface.
type Google struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

var _ Client = (*Google)(nil)

func NewGoogle(cfg config.LLMConfig, logger *slog.Logger) (*Google, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider google requires an api key")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Google{
		client: client,
		model:  cfg.Model,
		logger: logger.With("component", "llm", "provider", "google"),
	}, nil
}

func (c *Google) ModelName() string { return c.model }

func (c *Google) buildRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, rest := splitSystem(req.Messages)

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.RoleUser
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, genai.Role(role)))
	}

	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	return contents, cfg
}

func (c *Google) Complete(ctx context.Context, req Request) (string, error) {
	contents, cfg := c.buildRequest(req)
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return resp.Text(), nil
}

func (c *Google) StreamComplete(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	contents, cfg := c.buildRequest(req)

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)

		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, cfg) {
			if err != nil {
				select {
				case chunks <- StreamChunk{Err: fmt.Errorf("generate stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			token := resp.Text()
			if token == "" {
				continue
			}
			select {
			case chunks <- StreamChunk{Token: token}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case chunks <- StreamChunk{Done: true}:
		case <-ctx.Done():
		}
	}()
	return chunks, nil
}
