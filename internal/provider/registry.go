package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencode-ai/chatbridge/internal/logging"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// providerPriority orders providers when no model is configured. Gemini comes
// first as the original responder backend.
var providerPriority = []string{"gemini", "openai", "anthropic", "ark"}

// Registry manages all available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	config    *types.Config
}

// NewRegistry creates a new provider registry.
func NewRegistry(config *types.Config) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		config:    config,
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.ID()] = provider
}

// Get retrieves a provider by ID.
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", providerID)
	}
	return provider, nil
}

// List returns all registered providers sorted by ID.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool {
		return providers[i].ID() < providers[j].ID()
	})
	return providers
}

// Default returns the provider named by the configured "provider/model"
// string, or the first registered provider in priority order.
func (r *Registry) Default() (Provider, error) {
	if r.config != nil && r.config.Model != "" {
		providerID, _ := ParseModelString(r.config.Model)
		if providerID != "" {
			return r.Get(providerID)
		}
	}

	for _, id := range providerPriority {
		if p, err := r.Get(id); err == nil {
			return p, nil
		}
	}

	providers := r.List()
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	return providers[0], nil
}

// ParseModelString parses "provider/model" format.
func ParseModelString(s string) (providerID, modelID string) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", s
}

// credentials resolves the API key and base URL of a provider config, with
// the nested options taking effect when the top-level fields are empty.
func credentials(cfg types.ProviderConfig) (apiKey, baseURL string) {
	apiKey, baseURL = cfg.APIKey, cfg.BaseURL
	if cfg.Options != nil {
		if apiKey == "" {
			apiKey = cfg.Options.APIKey
		}
		if baseURL == "" {
			baseURL = cfg.Options.BaseURL
		}
	}
	return apiKey, baseURL
}

// InitializeProviders creates and registers all providers from config.
// A provider that fails to initialize is logged and skipped.
func InitializeProviders(ctx context.Context, config *types.Config) (*Registry, error) {
	registry := NewRegistry(config)

	configuredProvider, configuredModel := ParseModelString(config.Model)
	modelFor := func(id string, cfg types.ProviderConfig) string {
		if id == configuredProvider && configuredModel != "" {
			return configuredModel
		}
		return cfg.Model
	}

	for id, cfg := range config.Provider {
		if cfg.Disable {
			continue
		}
		apiKey, baseURL := credentials(cfg)
		if apiKey == "" {
			continue
		}

		var (
			p   Provider
			err error
		)
		switch id {
		case "gemini":
			p, err = NewGeminiProvider(ctx, &GeminiConfig{APIKey: apiKey, BaseURL: baseURL, Model: modelFor(id, cfg)})
		case "anthropic":
			p, err = NewAnthropicProvider(ctx, &AnthropicConfig{APIKey: apiKey, BaseURL: baseURL, Model: modelFor(id, cfg)})
		case "ark":
			p, err = NewArkProvider(ctx, &ArkConfig{APIKey: apiKey, BaseURL: baseURL, Model: modelFor(id, cfg)})
		default:
			// Anything else is treated as an OpenAI-compatible endpoint.
			p, err = NewOpenAIProvider(ctx, &OpenAIConfig{ID: id, APIKey: apiKey, BaseURL: baseURL, Model: modelFor(id, cfg)})
		}
		if err != nil {
			logging.Warn().Err(err).Str("provider", id).Msg("provider initialization failed")
			continue
		}
		registry.Register(p)
	}

	return registry, nil
}

// WithTimeout bounds every Generate call of g.
func WithTimeout(g Generator, timeout time.Duration) Generator {
	if timeout <= 0 {
		return g
	}
	return GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return g.Generate(ctx, prompt)
	})
}
