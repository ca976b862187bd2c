package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// FileStore keeps the ledger as JSON files:
//
//	session/{id}.json
//	conversation/{sessionID}/{conversationID}.json
//	contact/{sessionID}/{escaped contact}.json   (uniqueness index)
//	sequence/{sessionID}/{conversationID}.json
//	message/{sessionID}/{conversationID}/{messageID}.json
type FileStore struct {
	storage *storage.Storage
}

// NewFileStore creates a FileStore rooted at the given storage.
func NewFileStore(s *storage.Storage) *FileStore {
	return &FileStore{storage: s}
}

type contactIndex struct {
	ConversationID string `json:"conversationID"`
}

type sequence struct {
	Next int64 `json:"next"`
}

func contactKey(contact string) string {
	return url.PathEscape(contact)
}

func mapErr(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateSession implements Store.
func (f *FileStore) CreateSession(ctx context.Context, s *types.Session) error {
	if err := f.storage.Create(ctx, []string{"session", s.ID}, s); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return ErrConflict
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession implements Store.
func (f *FileStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var s types.Session
	if err := f.storage.Get(ctx, []string{"session", id}, &s); err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

// ListSessions implements Store.
func (f *FileStore) ListSessions(ctx context.Context, ownerID string) ([]*types.Session, error) {
	var sessions []*types.Session
	err := f.storage.Scan(ctx, []string{"session"}, func(key string, data json.RawMessage) error {
		var s types.Session
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if s.OwnerID == ownerID {
			sessions = append(sessions, &s)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// UpdateSession implements Store.
func (f *FileStore) UpdateSession(ctx context.Context, id string, fn func(s *types.Session) error) (*types.Session, error) {
	var s types.Session
	err := f.storage.Update(ctx, []string{"session", id}, &s, func(found bool) error {
		if !found {
			return ErrNotFound
		}
		if err := fn(&s); err != nil {
			return err
		}
		s.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession implements Store.
func (f *FileStore) DeleteSession(ctx context.Context, id string) error {
	for _, dir := range []string{"message", "sequence", "contact", "conversation"} {
		if err := f.storage.DeleteTree(ctx, []string{dir, id}); err != nil {
			return fmt.Errorf("delete session data: %w", err)
		}
	}
	return f.storage.Delete(ctx, []string{"session", id})
}

// CreateConversation implements Store. The contact index is claimed first so
// two writers can never both persist a conversation for the same contact.
func (f *FileStore) CreateConversation(ctx context.Context, c *types.Conversation) error {
	idx := contactIndex{ConversationID: c.ID}
	if err := f.storage.Create(ctx, []string{"contact", c.SessionID, contactKey(c.ContactIdentifier)}, idx); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return ErrConflict
		}
		return fmt.Errorf("create conversation index: %w", err)
	}
	if err := f.storage.Put(ctx, []string{"conversation", c.SessionID, c.ID}, c); err != nil {
		f.storage.Delete(ctx, []string{"contact", c.SessionID, contactKey(c.ContactIdentifier)})
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation implements Store.
func (f *FileStore) GetConversation(ctx context.Context, sessionID, id string) (*types.Conversation, error) {
	var c types.Conversation
	if err := f.storage.Get(ctx, []string{"conversation", sessionID, id}, &c); err != nil {
		return nil, mapErr(err)
	}
	return &c, nil
}

// FindConversation implements Store.
func (f *FileStore) FindConversation(ctx context.Context, sessionID, contact string) (*types.Conversation, error) {
	var idx contactIndex
	if err := f.storage.Get(ctx, []string{"contact", sessionID, contactKey(contact)}, &idx); err != nil {
		return nil, mapErr(err)
	}
	return f.GetConversation(ctx, sessionID, idx.ConversationID)
}

// ListConversations implements Store.
func (f *FileStore) ListConversations(ctx context.Context, sessionID string) ([]*types.Conversation, error) {
	var convs []*types.Conversation
	err := f.storage.Scan(ctx, []string{"conversation", sessionID}, func(key string, data json.RawMessage) error {
		var c types.Conversation
		if err := json.Unmarshal(data, &c); err != nil {
			return nil
		}
		convs = append(convs, &c)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
	return convs, nil
}

// TouchConversation implements Store.
func (f *FileStore) TouchConversation(ctx context.Context, sessionID, id string, at time.Time) (*types.Conversation, error) {
	var c types.Conversation
	err := f.storage.Update(ctx, []string{"conversation", sessionID, id}, &c, func(found bool) error {
		if !found {
			return ErrNotFound
		}
		c.LastMessageAt = nextTouch(c.LastMessageAt, at)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AppendMessage implements Store.
func (f *FileStore) AppendMessage(ctx context.Context, sessionID string, m *types.Message) error {
	if _, err := f.GetConversation(ctx, sessionID, m.ConversationID); err != nil {
		return err
	}

	var seq sequence
	err := f.storage.Update(ctx, []string{"sequence", sessionID, m.ConversationID}, &seq, func(found bool) error {
		seq.Next++
		return nil
	})
	if err != nil {
		return fmt.Errorf("assign sequence: %w", err)
	}
	m.Seq = seq.Next

	if err := f.storage.Create(ctx, []string{"message", sessionID, m.ConversationID, m.ID}, m); err != nil {
		if errors.Is(err, storage.ErrExists) {
			return ErrConflict
		}
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages implements Store.
func (f *FileStore) ListMessages(ctx context.Context, sessionID, conversationID string) ([]*types.Message, error) {
	if _, err := f.GetConversation(ctx, sessionID, conversationID); err != nil {
		return nil, err
	}

	messages := []*types.Message{}
	err := f.storage.Scan(ctx, []string{"message", sessionID, conversationID}, func(key string, data json.RawMessage) error {
		var m types.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil
		}
		messages = append(messages, &m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].Before(messages[j])
	})
	return messages, nil
}

// Close implements Store.
func (f *FileStore) Close() error {
	return nil
}
