package provider

import (
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiConfig holds configuration for the Gemini provider.
type GeminiConfig struct {
	APIKey string
	// BaseURL overrides the Gemini API endpoint.
	BaseURL string
	Model   string
}

// GeminiProvider implements Provider with the Google Gen AI SDK.
type GeminiProvider struct {
	client  *genai.Client
	modelID string
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider(ctx context.Context, config *GeminiConfig) (*GeminiProvider, error) {
	apiKey := config.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}

	modelID := config.Model
	if modelID == "" {
		modelID = os.Getenv("GEMINI_MODEL")
	}
	if modelID == "" {
		modelID = DefaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiProvider{client: client, modelID: modelID}, nil
}

// ID returns the provider identifier.
func (p *GeminiProvider) ID() string { return "gemini" }

// Name returns the human-readable provider name.
func (p *GeminiProvider) Name() string { return "Google Gemini" }

// Model returns the model ID.
func (p *GeminiProvider) Model() string { return p.modelID }

// Generate implements Generator.
func (p *GeminiProvider) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := p.client.Models.GenerateContent(ctx, p.modelID, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	reply := strings.TrimSpace(resp.Text())
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
