// Package provider adapts text-generation backends to the single-call
// Generator contract used by the reply pipeline.
//
// # Providers
//
// Gemini is served by the Google Gen AI SDK and is the default backend:
//
//	p, err := NewGeminiProvider(ctx, &GeminiConfig{
//	    APIKey: os.Getenv("GEMINI_API_KEY"),
//	    Model:  "gemini-2.0-flash",
//	})
//
// OpenAI (and OpenAI-compatible endpoints), Anthropic Claude and Volcengine
// ARK are served through Eino chat models wrapped by ChatProvider:
//
//	p, err := NewOpenAIProvider(ctx, &OpenAIConfig{APIKey: "sk-...", Model: "gpt-4o-mini"})
//	p, err := NewAnthropicProvider(ctx, &AnthropicConfig{APIKey: "sk-ant-..."})
//	p, err := NewArkProvider(ctx, &ArkConfig{APIKey: "...", Model: "ep-..."})
//
// Each provider sends the prompt as one user turn and returns the trimmed
// reply text. An empty reply is reported as ErrEmptyReply.
//
// # Registry
//
// InitializeProviders builds a Registry from the "provider" section of the
// configuration, skipping disabled entries and entries without an API key.
// Registry.Default honours the "provider/model" string of the configuration
// and otherwise picks the first available provider in the order gemini,
// openai, anthropic, ark.
//
// WithTimeout wraps any Generator so a single call cannot exceed the
// configured reply timeout.
package provider
