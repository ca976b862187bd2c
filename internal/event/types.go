package event

import (
	"encoding/json"
	"fmt"

	"github.com/opencode-ai/chatbridge/pkg/types"
)

// EventType represents the type of event.
type EventType string

const (
	// QR carries a pairing payload for a session awaiting a scan.
	QR EventType = "qr"
	// Status carries a session status transition.
	Status EventType = "status"
	// Message carries the complete ordered history of one conversation.
	Message EventType = "message"
)

// Payload is implemented by the typed data of each event kind.
type Payload interface {
	EventType() EventType
}

// QRData is the payload of qr events.
type QRData struct {
	Payload string `json:"qr"`
}

// EventType implements Payload.
func (QRData) EventType() EventType { return QR }

// StatusData is the payload of status events.
type StatusData struct {
	Status types.SessionStatus `json:"status"`
}

// EventType implements Payload.
func (StatusData) EventType() EventType { return Status }

// MessageData is the payload of message events. Messages is the full
// conversation history in order, never a delta.
type MessageData struct {
	ConversationID string           `json:"conversationID"`
	Messages       []*types.Message `json:"messages"`
}

// EventType implements Payload.
func (MessageData) EventType() EventType { return Message }

// Event is a session-scoped event.
type Event struct {
	SessionID string
	Data      Payload
}

// Type returns the event kind derived from its payload.
func (e Event) Type() EventType {
	if e.Data == nil {
		return ""
	}
	return e.Data.EventType()
}

// NewQR builds a qr event.
func NewQR(sessionID, payload string) Event {
	return Event{SessionID: sessionID, Data: QRData{Payload: payload}}
}

// NewStatus builds a status event.
func NewStatus(sessionID string, status types.SessionStatus) Event {
	return Event{SessionID: sessionID, Data: StatusData{Status: status}}
}

// NewMessage builds a message event.
func NewMessage(sessionID, conversationID string, messages []*types.Message) Event {
	if messages == nil {
		messages = []*types.Message{}
	}
	return Event{SessionID: sessionID, Data: MessageData{ConversationID: conversationID, Messages: messages}}
}

type wireEvent struct {
	Type       EventType       `json:"type"`
	SessionID  string          `json:"sessionID"`
	Properties json.RawMessage `json:"properties"`
}

// MarshalJSON encodes the event as {"type","sessionID","properties"}.
func (e Event) MarshalJSON() ([]byte, error) {
	props, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Type: e.Type(), SessionID: e.SessionID, Properties: props})
}

// UnmarshalJSON decodes an event into its typed payload.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var payload Payload
	switch w.Type {
	case QR:
		var d QRData
		if err := json.Unmarshal(w.Properties, &d); err != nil {
			return err
		}
		payload = d
	case Status:
		var d StatusData
		if err := json.Unmarshal(w.Properties, &d); err != nil {
			return err
		}
		payload = d
	case Message:
		var d MessageData
		if err := json.Unmarshal(w.Properties, &d); err != nil {
			return err
		}
		payload = d
	default:
		return fmt.Errorf("unknown event type %q", w.Type)
	}

	e.SessionID = w.SessionID
	e.Data = payload
	return nil
}
