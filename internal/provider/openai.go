package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudwego/eino-ext/components/model/openai"
)

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	// ID is the provider identifier (e.g. "openai", "qwen", "ollama").
	// Defaults to "openai".
	ID        string
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
}

// NewOpenAIProvider creates a provider for OpenAI or an OpenAI-compatible
// endpoint.
func NewOpenAIProvider(ctx context.Context, config *OpenAIConfig) (*ChatProvider, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	modelID := config.Model
	if modelID == "" {
		modelID = "gpt-4o-mini"
	}

	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = 256
	}

	cfg := &openai.ChatModelConfig{
		APIKey:              apiKey,
		Model:               modelID,
		MaxCompletionTokens: &maxTokens,
	}
	if config.BaseURL != "" {
		cfg.BaseURL = config.BaseURL
	}

	chatModel, err := openai.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAI model: %w", err)
	}

	id := config.ID
	if id == "" {
		id = "openai"
	}
	// MaxCompletionTokens is already on the config; no per-call max_tokens.
	return NewChatProvider(id, "OpenAI", modelID, 0, chatModel), nil
}
