package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/opencode-ai/chatbridge/internal/cache"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/logging"
	"github.com/opencode-ai/chatbridge/internal/metrics"
	"github.com/opencode-ai/chatbridge/internal/provider"
	"github.com/opencode-ai/chatbridge/internal/store"
	"github.com/opencode-ai/chatbridge/internal/transport"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

const (
	// DefaultMaxHistory is how many prior messages go into a prompt.
	DefaultMaxHistory = 5
	// DefaultFallbackReply is sent when reply generation fails.
	DefaultFallbackReply = "Desculpe, ocorreu um erro ao processar sua solicitação."
	// EmptyReply is sent when the model answers with no text.
	EmptyReply = "Não foi possível obter uma resposta."
	// SelfIdentifier is the sender of generated replies.
	SelfIdentifier = "assistant"

	resolveAttempts = 3
	// resolveTimeout bounds a shared conversation lookup, which runs
	// detached from the context of the caller that started it.
	resolveTimeout = 30 * time.Second
)

// Sender delivers a reply to a transport recipient.
type Sender interface {
	Send(ctx context.Context, sessionID, to, text string) error
}

// PipelineConfig tunes reply generation.
type PipelineConfig struct {
	MaxHistory int
	Fallback   string
	// Timeout bounds a single generation; zero means no bound.
	Timeout time.Duration
}

// Result is the outcome of processing one inbound message.
type Result struct {
	Conversation *types.Conversation
	Inbound      *types.Message
	Reply        *types.Message
	// Messages is the full ordered history after the reply was persisted.
	Messages []*types.Message
}

// Pipeline persists inbound messages, generates replies through the reply
// cache, persists and delivers them, and publishes the updated history.
type Pipeline struct {
	store     store.Store
	cache     *cache.ReplyCache
	generator provider.Generator
	sender    Sender
	bus       *event.Bus
	cfg       PipelineConfig
	log       zerolog.Logger

	locks   keyedMutex
	resolve singleflight.Group
	now     func() time.Time
}

// NewPipeline creates a Pipeline. A nil cache uses an in-memory backend and
// a nil generator always yields the fallback reply.
func NewPipeline(st store.Store, rc *cache.ReplyCache, gen provider.Generator, sender Sender, bus *event.Bus, cfg PipelineConfig) *Pipeline {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	if cfg.Fallback == "" {
		cfg.Fallback = DefaultFallbackReply
	}
	if rc == nil {
		rc = cache.New(cache.NewMemoryBackend(), 0)
	}
	if gen == nil {
		gen = provider.GeneratorFunc(func(context.Context, string) (string, error) {
			return "", errors.New("no generator configured")
		})
	}
	if cfg.Timeout > 0 {
		gen = provider.WithTimeout(gen, cfg.Timeout)
	}
	return &Pipeline{
		store:     st,
		cache:     rc,
		generator: gen,
		sender:    sender,
		bus:       bus,
		cfg:       cfg,
		log:       logging.Component("pipeline"),
		locks:     keyedMutex{locks: make(map[string]*refLock)},
		now:       time.Now,
	}
}

// HandleBatch processes every qualifying message of a transport batch in
// order. Failures are logged per message and never stop the batch.
func (p *Pipeline) HandleBatch(ctx context.Context, sessionID string, batch []transport.InboundMessage) {
	log := p.log.With().Str("sessionID", sessionID).Logger()

	for _, in := range batch {
		if ctx.Err() != nil {
			log.Debug().Int("remaining", len(batch)).Msg("session stopped, dropping batch")
			return
		}
		if !in.Qualifies() {
			metrics.InboundMessages.WithLabelValues("filtered").Inc()
			log.Debug().Str("messageID", in.ID).Str("remoteJID", in.RemoteJID).Msg("ignoring message")
			continue
		}
		if _, err := p.HandleInbound(ctx, sessionID, in); err != nil {
			log.Error().Err(err).Str("messageID", in.ID).Msg("processing inbound message failed")
		}
	}
}

// HandleInbound processes a message received from the transport and sends
// the reply back to its author.
func (p *Pipeline) HandleInbound(ctx context.Context, sessionID string, in transport.InboundMessage) (*Result, error) {
	if !in.Qualifies() {
		return nil, ErrFiltered
	}

	conv, err := p.resolveConversation(ctx, sessionID, in.RemoteJID, in.PushName)
	if err != nil {
		metrics.InboundMessages.WithLabelValues("failed").Inc()
		return nil, err
	}
	return p.process(ctx, sessionID, conv, in.RemoteJID, strings.TrimSpace(in.Text()), true)
}

// SimulateInbound processes text submitted through the API as if the
// conversation's counterpart had sent it. Nothing is sent over the
// transport.
func (p *Pipeline) SimulateInbound(ctx context.Context, sessionID, conversationID, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := p.store.GetConversation(ctx, sessionID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return p.process(ctx, sessionID, conv, conv.ContactIdentifier, text, false)
}

// SendOutbound delivers an operator-written message to the counterpart of
// a contact conversation and records it. The session must be connected.
func (p *Pipeline) SendOutbound(ctx context.Context, sessionID, conversationID, text string) (*types.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := p.store.GetConversation(ctx, sessionID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if conv.Kind != types.ConversationContact || p.sender == nil {
		return nil, ErrSessionNotConnected
	}

	unlock := p.locks.Lock(conv.ID)
	defer unlock()

	if err := p.sender.Send(ctx, sessionID, conv.ContactIdentifier, text); err != nil {
		return nil, err
	}

	msg := p.newMessage(conv, SelfIdentifier, text, true, time.Time{})
	if err := p.append(ctx, sessionID, msg); err != nil {
		return nil, err
	}
	if _, err := p.publish(ctx, sessionID, conv.ID); err != nil {
		return nil, err
	}
	return msg, nil
}

func (p *Pipeline) process(ctx context.Context, sessionID string, conv *types.Conversation, sender, text string, deliver bool) (*Result, error) {
	start := time.Now()
	log := p.log.With().Str("sessionID", sessionID).Str("conversationID", conv.ID).Logger()

	unlock := p.locks.Lock(conv.ID)
	defer unlock()

	res, err := p.exchange(ctx, sessionID, conv, sender, text, deliver, log)
	if err != nil {
		metrics.InboundMessages.WithLabelValues("failed").Inc()
		return nil, err
	}

	metrics.InboundMessages.WithLabelValues("processed").Inc()
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

// exchange runs one inbound/reply round trip. The caller holds the
// conversation lock.
func (p *Pipeline) exchange(ctx context.Context, sessionID string, conv *types.Conversation, sender, text string, deliver bool, log zerolog.Logger) (*Result, error) {
	history, err := p.store.ListMessages(ctx, sessionID, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	inbound := p.newMessage(conv, sender, text, false, time.Time{})
	if err := p.append(ctx, sessionID, inbound); err != nil {
		return nil, err
	}

	prompt := cache.BuildPrompt(historyLines(history), text, p.cfg.MaxHistory)
	replyText := p.generate(ctx, prompt, log)

	reply := p.newMessage(conv, SelfIdentifier, replyText, true, inbound.CreatedAt)
	if err := p.append(ctx, sessionID, reply); err != nil {
		return nil, err
	}

	if deliver && p.sender != nil {
		if err := p.sender.Send(ctx, sessionID, conv.ContactIdentifier, replyText); err != nil {
			log.Warn().Err(err).Str("to", conv.ContactIdentifier).Msg("delivering reply failed")
		}
	}

	messages, err := p.publish(ctx, sessionID, conv.ID)
	if err != nil {
		return nil, err
	}

	return &Result{
		Conversation: conv,
		Inbound:      inbound,
		Reply:        reply,
		Messages:     messages,
	}, nil
}

// generate never fails: errors become the fallback reply.
func (p *Pipeline) generate(ctx context.Context, prompt string, log zerolog.Logger) string {
	reply, err := p.cache.GetOrGenerate(ctx, prompt, p.generator.Generate)
	switch {
	case err == nil:
		return reply
	case errors.Is(err, provider.ErrEmptyReply):
		log.Warn().Msg("model returned an empty reply")
		return EmptyReply
	default:
		metrics.GenerationFailures.Inc()
		log.Error().Err(err).Msg("reply generation failed, using fallback")
		return p.cfg.Fallback
	}
}

func (p *Pipeline) newMessage(conv *types.Conversation, sender, body string, fromSelf bool, notBefore time.Time) *types.Message {
	now := p.now()
	if now.Before(notBefore) {
		now = notBefore
	}
	return &types.Message{
		ID:               store.NewID(),
		ConversationID:   conv.ID,
		SenderIdentifier: sender,
		FromSelf:         fromSelf,
		Body:             body,
		Type:             types.MessageText,
		CreatedAt:        now,
	}
}

// append persists m and advances the conversation's lastMessageAt.
func (p *Pipeline) append(ctx context.Context, sessionID string, m *types.Message) error {
	if err := p.store.AppendMessage(ctx, sessionID, m); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if _, err := p.store.TouchConversation(ctx, sessionID, m.ConversationID, m.CreatedAt); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// publish reloads the conversation history and publishes it.
func (p *Pipeline) publish(ctx context.Context, sessionID, conversationID string) ([]*types.Message, error) {
	messages, err := p.store.ListMessages(ctx, sessionID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("reload history: %w", err)
	}
	if p.bus != nil {
		p.bus.Publish(event.NewMessage(sessionID, conversationID, messages))
	}
	return messages, nil
}

// resolveConversation returns the conversation of a contact, creating it on
// first contact. Concurrent callers for the same contact share one lookup,
// and a lost creation race is retried as a lookup.
func (p *Pipeline) resolveConversation(ctx context.Context, sessionID, contact, name string) (*types.Conversation, error) {
	v, err, _ := p.resolve.Do(sessionID+"\x00"+contact, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()

		for attempt := 0; attempt < resolveAttempts; attempt++ {
			conv, err := p.store.FindConversation(ctx, sessionID, contact)
			if err == nil {
				return conv, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("find conversation: %w", err)
			}

			now := p.now()
			conv = &types.Conversation{
				ID:                store.NewID(),
				SessionID:         sessionID,
				ContactIdentifier: contact,
				Kind:              types.ConversationContact,
				CreatedAt:         now,
				LastMessageAt:     now,
			}
			if name = strings.TrimSpace(name); name != "" {
				conv.ContactName = &name
			}

			err = p.store.CreateConversation(ctx, conv)
			if err == nil {
				return conv, nil
			}
			if !errors.Is(err, store.ErrConflict) {
				return nil, fmt.Errorf("create conversation: %w", err)
			}
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
		}
		return nil, fmt.Errorf("resolve conversation: %w", store.ErrConflict)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Conversation), nil
}

// historyLines renders stored messages as prompt history.
func historyLines(history []*types.Message) []string {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		if m.FromSelf {
			lines = append(lines, "Assistente: "+m.Body)
		} else {
			lines = append(lines, "Usuário: "+m.Body)
		}
	}
	return lines
}

// keyedMutex serializes work per key and forgets keys nobody holds.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

// Lock acquires the lock of key and returns its release func.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
