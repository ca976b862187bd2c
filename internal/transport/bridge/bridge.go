// Package bridge implements transport.Transport against a protocol sidecar
// over WebSocket. The sidecar owns pairing, encryption and wire framing; each
// session is one socket at <base>/sessions/<id> exchanging JSON frames:
//
//	-> {"type":"open","session":"<id>","creds":"<base64>"}
//	-> {"type":"send","id":"<n>","to":"<jid>","text":"..."}
//	<- {"type":"qr","qr":"..."}
//	<- {"type":"open"}
//	<- {"type":"close","loggedOut":true,"code":401,"reason":"..."}
//	<- {"type":"messages","messages":[...]}
//	<- {"type":"creds","creds":"<base64>"}
//	<- {"type":"ack","id":"<n>","error":"..."}
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opencode-ai/chatbridge/internal/logging"
	"github.com/opencode-ai/chatbridge/internal/transport"
)

const writeTimeout = 10 * time.Second

type frame struct {
	Type      string                     `json:"type"`
	ID        string                     `json:"id,omitempty"`
	Session   string                     `json:"session,omitempty"`
	QR        string                     `json:"qr,omitempty"`
	Creds     []byte                     `json:"creds,omitempty"`
	To        string                     `json:"to,omitempty"`
	Text      string                     `json:"text,omitempty"`
	LoggedOut bool                       `json:"loggedOut,omitempty"`
	Code      int                        `json:"code,omitempty"`
	Reason    string                     `json:"reason,omitempty"`
	Error     string                     `json:"error,omitempty"`
	Messages  []transport.InboundMessage `json:"messages,omitempty"`
}

// Transport dials the sidecar for every opened session.
type Transport struct {
	baseURL string
	dialer  *websocket.Dialer
}

// New creates a Transport for the sidecar at baseURL (ws://, wss://, http://
// or https://).
func New(baseURL string) *Transport {
	switch {
	case strings.HasPrefix(baseURL, "http://"):
		baseURL = "ws://" + strings.TrimPrefix(baseURL, "http://")
	case strings.HasPrefix(baseURL, "https://"):
		baseURL = "wss://" + strings.TrimPrefix(baseURL, "https://")
	}
	return &Transport{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
		},
	}
}

// Open implements transport.Transport.
func (t *Transport) Open(ctx context.Context, sessionID string, creds []byte) (transport.Conn, error) {
	u := t.baseURL + "/sessions/" + url.PathEscape(sessionID)
	ws, _, err := t.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}

	c := &conn{
		sessionID: sessionID,
		ws:        ws,
		events:    make(chan transport.Event, 64),
		pending:   make(map[string]chan error),
		done:      make(chan struct{}),
	}
	if err := c.write(frame{Type: "open", Session: sessionID, Creds: creds}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("open session on bridge: %w", err)
	}

	go c.readLoop()
	return c, nil
}

type conn struct {
	sessionID string
	ws        *websocket.Conn
	writeMu   sync.Mutex
	events    chan transport.Event

	mu      sync.Mutex
	pending map[string]chan error
	nextID  uint64

	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) Events() <-chan transport.Event {
	return c.events
}

func (c *conn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(f)
}

func (c *conn) emit(e transport.Event) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func (c *conn) readLoop() {
	defer close(c.events)
	defer c.failPending()

	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !c.closed.Load() {
				c.emit(transport.CloseEvent{Cause: causeFromError(err)})
			}
			return
		}

		switch f.Type {
		case "qr":
			c.emit(transport.QREvent{Payload: f.QR})
		case "open":
			c.emit(transport.OpenEvent{})
		case "close":
			c.closed.Store(true)
			c.emit(transport.CloseEvent{Cause: transport.CloseCause{
				LoggedOut: f.LoggedOut,
				Code:      f.Code,
				Reason:    f.Reason,
			}})
			c.Close()
			return
		case "messages":
			c.emit(transport.MessagesEvent{Messages: f.Messages})
		case "creds":
			c.emit(transport.CredentialsEvent{Data: f.Creds})
		case "ack":
			c.resolve(f.ID, f.Error)
		default:
			logging.Debug().Str("sessionID", c.sessionID).Str("type", f.Type).Msg("bridge: ignoring unknown frame")
		}
	}
}

// causeFromError maps a socket failure to a close cause. Application close
// codes 4000-4999 carry an HTTP-style status (4401 -> 401).
func causeFromError(err error) transport.CloseCause {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code := 0
		if ce.Code >= 4000 && ce.Code < 5000 {
			code = ce.Code - 4000
		}
		return transport.CloseCause{Code: code, Reason: ce.Error()}
	}
	return transport.CloseCause{Reason: err.Error()}
}

func (c *conn) resolve(id, errText string) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	if errText != "" {
		ch <- errors.New(errText)
		return
	}
	ch <- nil
}

func (c *conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ch := range c.pending {
		ch <- transport.ErrClosed
		delete(c.pending, id)
	}
}

// Send writes a send frame and waits for the sidecar's ack.
func (c *conn) Send(ctx context.Context, to, text string) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}

	ch := make(chan error, 1)
	c.mu.Lock()
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(frame{Type: "send", ID: id, To: to, Text: text}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if c.closed.Load() {
			return transport.ErrClosed
		}
		return fmt.Errorf("bridge send: %w", err)
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		return transport.ErrClosed
	}
}

// Close implements transport.Conn.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.ws.Close()
	})
	return err
}
