// Package provider constructs completion providers from configuration.
package provider

import (
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/quester/config"
	"github.com/mohammad-safakhou/quester/internal/rag"
	openai_provider "github.com/mohammad-safakhou/quester/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI    Client = "openai"
	Anthropic Client = "anthropic"
	Gemini    Client = "gemini"
)

// New creates a completion provider based on the provided configuration.
func New(cfg config.LLMConfig) (rag.CompletionProvider, error) {
	switch Client(cfg.Type) {
	case OpenAI:
		return openai_provider.New(cfg)
	case Anthropic:
		return nil, errors.New("anthropic client not implemented yet")
	case Gemini:
		return nil, errors.New("gemini client not implemented yet")
	default:
		return nil, fmt.Errorf("unsupported completion provider: %q", cfg.Type)
	}
}
