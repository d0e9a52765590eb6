// Package openai_provider adapts OpenAI-compatible chat completion APIs
// to the engine's completion contract.
package openai_provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/mohammad-safakhou/quester/config"
	"github.com/mohammad-safakhou/quester/internal/rag"
)

// Client talks to an OpenAI-compatible chat completion endpoint.
type Client struct {
	llm    llms.Model
	model  string
	logger *log.Logger
}

// New creates a completion client from the LLM configuration. BaseURL is
// optional and routes requests to any OpenAI-compatible service.
func New(cfg config.LLMConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key not set")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai: model not set")
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, openai.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}

	return &Client{
		llm:    llm,
		model:  cfg.Model,
		logger: log.New(log.Writer(), "[OPENAI] ", log.LstdFlags),
	}, nil
}

// Generate sends a system plus user prompt pair and returns the first choice.
func (c *Client) Generate(ctx context.Context, prompt rag.Prompt, opts rag.GenerateOptions) (rag.Completion, error) {
	var content []llms.MessageContent
	if prompt.System != "" {
		content = append(content, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(prompt.System)},
		})
	}
	content = append(content, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(prompt.User)},
	})

	callOpts := []llms.CallOption{llms.WithTemperature(opts.Temperature)}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if opts.JSONMode {
		callOpts = append(callOpts, llms.WithJSONMode())
	}

	resp, err := c.llm.GenerateContent(ctx, content, callOpts...)
	if err != nil {
		c.logger.Printf("completion request failed (model=%s): %v", c.model, err)
		return rag.Completion{}, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return rag.Completion{}, errors.New("openai completion: no choices returned")
	}

	choice := resp.Choices[0]
	completion := rag.Completion{
		Text:  choice.Content,
		Model: c.model,
		Usage: rag.TokenUsage{
			Prompt:     intFromInfo(choice.GenerationInfo, "PromptTokens"),
			Completion: intFromInfo(choice.GenerationInfo, "CompletionTokens"),
		},
	}
	return completion, nil
}

// Token counts have shifted numeric type across library versions, so accept
// any of the kinds seen in generation info.
func intFromInfo(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
