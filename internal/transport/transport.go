// Package transport defines the chat-transport connection contract consumed
// by the session supervisor, plus the on-disk credential store shared by all
// adapters.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrClosed is returned by Send on a connection that has been closed.
var ErrClosed = errors.New("transport: connection closed")

// Transport opens runtime connections for sessions.
type Transport interface {
	// Open starts a connection for the session, resuming from creds when
	// non-nil. The connection reports its lifecycle through Events.
	Open(ctx context.Context, sessionID string, creds []byte) (Conn, error)
}

// Conn is one live link to the chat network.
type Conn interface {
	// Events delivers connection events in emission order. The channel may be
	// closed when the connection ends.
	Events() <-chan Event
	Send(ctx context.Context, to, text string) error
	// Close releases the connection. Closing twice is not an error.
	Close() error
}

// Event is one of QREvent, OpenEvent, CloseEvent, MessagesEvent or
// CredentialsEvent.
type Event interface {
	isEvent()
}

// QREvent carries a pairing payload to be scanned.
type QREvent struct {
	Payload string
}

// OpenEvent reports that the connection is authenticated and usable.
type OpenEvent struct{}

// CloseEvent reports that the connection ended.
type CloseEvent struct {
	Cause CloseCause
}

// MessagesEvent carries a batch of upserted messages.
type MessagesEvent struct {
	Messages []InboundMessage
}

// CredentialsEvent carries updated credential material to persist.
type CredentialsEvent struct {
	Data []byte
}

func (QREvent) isEvent()          {}
func (OpenEvent) isEvent()        {}
func (CloseEvent) isEvent()       {}
func (MessagesEvent) isEvent()    {}
func (CredentialsEvent) isEvent() {}

// CloseCause describes why a connection ended.
type CloseCause struct {
	// LoggedOut is set when the device was unlinked.
	LoggedOut bool
	// Code is the status code reported by the transport, 0 when unknown.
	Code   int
	Reason string
}

// Terminal reports whether the credentials are permanently invalid, in which
// case the session must not reconnect.
func (c CloseCause) Terminal() bool {
	return c.LoggedOut || c.Code == 401 || c.Code == 403
}

// InboundMessage is a message received from the chat network.
type InboundMessage struct {
	ID string `json:"id"`
	// RemoteJID identifies the chat: a contact, group, broadcast list or
	// newsletter.
	RemoteJID    string `json:"remoteJid"`
	PushName     string `json:"pushName,omitempty"`
	FromMe       bool   `json:"fromMe"`
	Conversation string `json:"conversation,omitempty"`
	// ExtendedText is the body of a text message with context (reply,
	// link preview).
	ExtendedText string    `json:"extendedText,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Text returns the plain conversation text, or the extended text when the
// former is empty.
func (m InboundMessage) Text() string {
	if m.Conversation != "" {
		return m.Conversation
	}
	return m.ExtendedText
}

var nonContactSuffixes = []string{"@g.us", "@broadcast", "@newsletter"}

// IsContact reports whether the chat is a one-to-one conversation rather
// than a group, broadcast list, status feed or newsletter.
func (m InboundMessage) IsContact() bool {
	for _, suffix := range nonContactSuffixes {
		if strings.HasSuffix(m.RemoteJID, suffix) {
			return false
		}
	}
	return m.RemoteJID != ""
}

// Qualifies reports whether the message should be answered: sent by someone
// else, one-to-one, with a text body.
func (m InboundMessage) Qualifies() bool {
	return !m.FromMe && m.IsContact() && strings.TrimSpace(m.Text()) != ""
}
