package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ErrEmptyReply is returned when a model answers with no text.
var ErrEmptyReply = errors.New("model returned an empty reply")

// Generator turns a prompt into a reply.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Provider is a configured text-generation backend bound to one model.
type Provider interface {
	Generator

	// ID returns the provider identifier (e.g. "gemini", "openai").
	ID() string

	// Name returns the human-readable provider name.
	Name() string

	// Model returns the model the provider generates with.
	Model() string
}

// ChatProvider implements Provider on top of an Eino chat model.
type ChatProvider struct {
	id        string
	name      string
	modelID   string
	maxTokens int
	chatModel model.BaseChatModel
}

// NewChatProvider wraps an Eino chat model.
func NewChatProvider(id, name, modelID string, maxTokens int, chatModel model.BaseChatModel) *ChatProvider {
	return &ChatProvider{
		id:        id,
		name:      name,
		modelID:   modelID,
		maxTokens: maxTokens,
		chatModel: chatModel,
	}
}

// ID returns the provider identifier.
func (p *ChatProvider) ID() string { return p.id }

// Name returns the human-readable provider name.
func (p *ChatProvider) Name() string { return p.name }

// Model returns the model ID.
func (p *ChatProvider) Model() string { return p.modelID }

// Generate sends the prompt as a single user turn.
func (p *ChatProvider) Generate(ctx context.Context, prompt string) (string, error) {
	var opts []model.Option
	if p.maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(p.maxTokens))
	}

	msg, err := p.chatModel.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)}, opts...)
	if err != nil {
		return "", fmt.Errorf("%s generate: %w", p.id, err)
	}
	if msg == nil {
		return "", ErrEmptyReply
	}

	reply := strings.TrimSpace(msg.Content)
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}
