// Package types provides the core data types for the chatbridge server.
package types

import "time"

// SessionStatus is the lifecycle state of a chat-transport session.
type SessionStatus string

const (
	StatusPending      SessionStatus = "pending"
	StatusQR           SessionStatus = "qr"
	StatusConnected    SessionStatus = "connected"
	StatusDisconnected SessionStatus = "disconnected"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQR, StatusConnected, StatusDisconnected:
		return true
	}
	return false
}

// Session represents one addressable chat-transport identity.
type Session struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"ownerID"`
	Status    SessionStatus `json:"status"`
	QRPayload *string       `json:"qr,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// WantsConnection reports whether the session should have a live connection.
func (s *Session) WantsConnection() bool {
	return s.Status != StatusDisconnected
}
