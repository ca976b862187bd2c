// Package store is the durable ledger of sessions, conversations and
// messages. Two implementations are provided: FileStore over the JSON file
// storage and GormStore over a SQL database (postgres or sqlite).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

var (
	// ErrNotFound is returned when a session, conversation or message is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conversation already exists for a
	// (session, contact) pair.
	ErrConflict = errors.New("conflict")
)

// Store is the CRUD and query surface consumed by the session layer.
type Store interface {
	CreateSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	// ListSessions returns the sessions of an owner ordered by creation time.
	ListSessions(ctx context.Context, ownerID string) ([]*types.Session, error)
	// UpdateSession applies fn to the stored session and persists the result.
	UpdateSession(ctx context.Context, id string, fn func(s *types.Session) error) (*types.Session, error)
	// DeleteSession removes a session with all its conversations and messages.
	DeleteSession(ctx context.Context, id string) error

	// CreateConversation returns ErrConflict when the session already has a
	// conversation for the same contact identifier.
	CreateConversation(ctx context.Context, c *types.Conversation) error
	GetConversation(ctx context.Context, sessionID, id string) (*types.Conversation, error)
	FindConversation(ctx context.Context, sessionID, contact string) (*types.Conversation, error)
	// ListConversations returns conversations, most recently active first.
	ListConversations(ctx context.Context, sessionID string) ([]*types.Conversation, error)
	// TouchConversation moves lastMessageAt forward to at, or 1ms past its
	// current value when at would not advance it.
	TouchConversation(ctx context.Context, sessionID, id string, at time.Time) (*types.Conversation, error)

	// AppendMessage assigns the next sequence number of the conversation and
	// persists the message.
	AppendMessage(ctx context.Context, sessionID string, m *types.Message) error
	// ListMessages returns the full history of a conversation in order.
	ListMessages(ctx context.Context, sessionID, conversationID string) ([]*types.Message, error)

	Close() error
}

// NewID returns a new lexically sortable identifier for conversations and
// messages.
func NewID() string {
	return ulid.Make().String()
}

// nextTouch returns the lastMessageAt value that a touch at "at" produces.
func nextTouch(last, at time.Time) time.Time {
	if !at.After(last) {
		return last.Add(time.Millisecond)
	}
	return at
}
