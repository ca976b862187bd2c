package types

import "time"

// ConversationKind distinguishes transport chats from API-created threads.
type ConversationKind string

const (
	// ConversationContact is a thread with a transport counterpart.
	ConversationContact ConversationKind = "contact"
	// ConversationAssistant is a bare thread created through the API.
	ConversationAssistant ConversationKind = "assistant"
)

// Conversation is the ordered thread between a session and one counterpart.
type Conversation struct {
	ID                string           `json:"id"`
	SessionID         string           `json:"sessionID"`
	ContactIdentifier string           `json:"contact"`
	ContactName       *string          `json:"contactName,omitempty"`
	Kind              ConversationKind `json:"kind"`
	CreatedAt         time.Time        `json:"createdAt"`
	LastMessageAt     time.Time        `json:"lastMessageAt"`
}

// MessageType is the content type of a message body.
type MessageType string

const (
	MessageText MessageType = "text"
)

// Message is a single immutable entry in a conversation.
type Message struct {
	ID               string      `json:"id"`
	ConversationID   string      `json:"conversationID"`
	SenderIdentifier string      `json:"sender"`
	FromSelf         bool        `json:"fromSelf"`
	Body             string      `json:"body"`
	Type             MessageType `json:"type"`
	CreatedAt        time.Time   `json:"createdAt"`
	// Seq orders messages within a conversation; assigned by the store.
	Seq int64 `json:"seq"`
}

// Before reports whether m is ordered strictly before other.
func (m *Message) Before(other *Message) bool {
	if m.Seq != other.Seq {
		return m.Seq < other.Seq
	}
	return m.CreatedAt.Before(other.CreatedAt)
}
