package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/logging"
	"github.com/opencode-ai/chatbridge/internal/metrics"
	"github.com/opencode-ai/chatbridge/internal/store"
	"github.com/opencode-ai/chatbridge/internal/transport"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// assistantPrefix marks the generated contact identifier of API-created
// conversations.
const assistantPrefix = "assistant:"

// Registry is the owner-scoped entry point to sessions. It owns the
// supervisor and the pipeline for the lifetime of the process.
type Registry struct {
	store      store.Store
	supervisor *Supervisor
	pipeline   *Pipeline
	creds      *transport.CredentialStore
	bus        *event.Bus
}

// NewRegistry creates a Registry and routes the supervisor's inbound
// batches into the pipeline.
func NewRegistry(st store.Store, sup *Supervisor, pipe *Pipeline, creds *transport.CredentialStore, bus *event.Bus) *Registry {
	sup.SetHandler(pipe)
	return &Registry{
		store:      st,
		supervisor: sup,
		pipeline:   pipe,
		creds:      creds,
		bus:        bus,
	}
}

// Supervisor returns the connection supervisor.
func (r *Registry) Supervisor() *Supervisor {
	return r.supervisor
}

// CreateSession persists a pending session and starts its connection.
func (r *Registry) CreateSession(ctx context.Context, ownerID string) (*types.Session, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrMissingOwner
	}

	now := time.Now()
	sess := &types.Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	metrics.SessionsCreated.Inc()
	r.bus.Publish(event.NewStatus(sess.ID, sess.Status))

	log := logging.ForSession("registry", sess.ID)
	log.Info().Str("ownerID", ownerID).Msg("session created")

	if err := r.supervisor.Start(ctx, sess.ID); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the owner's sessions and starts a connection for
// every one that should be live but is not.
func (r *Registry) ListSessions(ctx context.Context, ownerID string) ([]*types.Session, error) {
	sessions, err := r.store.ListSessions(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	for _, sess := range sessions {
		if !sess.WantsConnection() || r.supervisor.IsLive(sess.ID) {
			continue
		}
		if err := r.supervisor.Start(ctx, sess.ID); err != nil {
			log := logging.ForSession("registry", sess.ID)
			log.Warn().Err(err).Msg("reconciling session failed")
		}
	}
	return sessions, nil
}

// GetSession returns the session if it belongs to ownerID.
func (r *Registry) GetSession(ctx context.Context, ownerID, sessionID string) (*types.Session, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Disconnect stops the session's connection and marks it disconnected.
// With wipeCredentials the session, its history and its credentials are
// deleted instead.
func (r *Registry) Disconnect(ctx context.Context, ownerID, sessionID string, wipeCredentials bool) error {
	if _, err := r.GetSession(ctx, ownerID, sessionID); err != nil {
		return err
	}

	r.supervisor.Stop(sessionID)
	log := logging.ForSession("registry", sessionID)

	if wipeCredentials {
		if err := r.store.DeleteSession(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("delete session: %w", err)
		}
		if err := r.creds.Wipe(ctx, sessionID); err != nil {
			return fmt.Errorf("wipe credentials: %w", err)
		}
		r.bus.Publish(event.NewStatus(sessionID, types.StatusDisconnected))
		log.Info().Msg("session forgotten")
		return nil
	}

	_, err := r.store.UpdateSession(ctx, sessionID, func(s *types.Session) error {
		s.Status = types.StatusDisconnected
		s.QRPayload = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("mark disconnected: %w", err)
	}
	metrics.StatusTransitions.WithLabelValues(string(types.StatusDisconnected)).Inc()
	r.bus.Publish(event.NewStatus(sessionID, types.StatusDisconnected))
	log.Info().Msg("session disconnected")
	return nil
}

// SendMessage submits text to a conversation and returns the processed
// exchange.
func (r *Registry) SendMessage(ctx context.Context, ownerID, sessionID, conversationID, text string) (*Result, error) {
	if _, err := r.GetSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	return r.pipeline.SimulateInbound(ctx, sessionID, conversationID, text)
}

// SendDirect writes an operator message to the contact of a conversation
// over the session's transport connection.
func (r *Registry) SendDirect(ctx context.Context, ownerID, sessionID, conversationID, text string) (*types.Message, error) {
	if _, err := r.GetSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	return r.pipeline.SendOutbound(ctx, sessionID, conversationID, text)
}

// ListConversations returns the session's conversations, most recently
// active first.
func (r *Registry) ListConversations(ctx context.Context, ownerID, sessionID string) ([]*types.Conversation, error) {
	if _, err := r.GetSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	return r.store.ListConversations(ctx, sessionID)
}

// CreateConversation creates an assistant conversation not bound to a
// transport contact.
func (r *Registry) CreateConversation(ctx context.Context, ownerID, sessionID, name string) (*types.Conversation, error) {
	if _, err := r.GetSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}

	now := time.Now()
	id := store.NewID()
	conv := &types.Conversation{
		ID:                id,
		SessionID:         sessionID,
		ContactIdentifier: assistantPrefix + id,
		Kind:              types.ConversationAssistant,
		CreatedAt:         now,
		LastMessageAt:     now,
	}
	if name = strings.TrimSpace(name); name != "" {
		conv.ContactName = &name
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

// ListMessages returns the ordered history of a conversation.
func (r *Registry) ListMessages(ctx context.Context, ownerID, sessionID, conversationID string) ([]*types.Message, error) {
	if _, err := r.GetSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	if _, err := r.store.GetConversation(ctx, sessionID, conversationID); err != nil {
		return nil, err
	}
	return r.store.ListMessages(ctx, sessionID, conversationID)
}

// Close shuts down every live connection.
func (r *Registry) Close() {
	r.supervisor.Shutdown()
}
