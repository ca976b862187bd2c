// Package transporttest provides an in-memory transport.Transport whose
// connections are driven by the test.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/opencode-ai/chatbridge/internal/transport"
)

// Sent is a message written through Conn.Send.
type Sent struct {
	To   string
	Text string
}

// Transport records every opened connection.
type Transport struct {
	mu        sync.Mutex
	conns     map[string][]*Conn
	failOpens int
	openErr   error
	opened    chan *Conn
}

// New creates an empty fake transport.
func New() *Transport {
	return &Transport{
		conns:  make(map[string][]*Conn),
		opened: make(chan *Conn, 256),
	}
}

// FailNextOpens makes the next n Open calls fail with err.
func (t *Transport) FailNextOpens(n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failOpens = n
	t.openErr = err
}

// Open implements transport.Transport.
func (t *Transport) Open(ctx context.Context, sessionID string, creds []byte) (transport.Conn, error) {
	t.mu.Lock()
	if t.failOpens > 0 {
		t.failOpens--
		err := t.openErr
		t.mu.Unlock()
		return nil, err
	}

	c := &Conn{
		SessionID: sessionID,
		Creds:     creds,
		events:    make(chan transport.Event, 64),
		done:      make(chan struct{}),
	}
	t.conns[sessionID] = append(t.conns[sessionID], c)
	t.mu.Unlock()

	select {
	case t.opened <- c:
	default:
	}
	return c, nil
}

// WaitOpen returns the next opened connection, or nil after timeout.
func (t *Transport) WaitOpen(timeout time.Duration) *Conn {
	select {
	case c := <-t.opened:
		return c
	case <-time.After(timeout):
		return nil
	}
}

// Conns returns every connection opened for the session, oldest first.
func (t *Transport) Conns(sessionID string) []*Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Conn(nil), t.conns[sessionID]...)
}

// Opens returns how many connections were opened for the session.
func (t *Transport) Opens(sessionID string) int {
	return len(t.Conns(sessionID))
}

// Last returns the most recent connection of the session, or nil.
func (t *Transport) Last(sessionID string) *Conn {
	conns := t.Conns(sessionID)
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// Live returns how many connections of the session are not closed.
func (t *Transport) Live(sessionID string) int {
	n := 0
	for _, c := range t.Conns(sessionID) {
		if !c.Closed() {
			n++
		}
	}
	return n
}

// Conn is a fake connection. Its event channel is never closed.
type Conn struct {
	SessionID string
	Creds     []byte

	events chan transport.Event
	done   chan struct{}
	once   sync.Once

	mu      sync.Mutex
	sent    []Sent
	sendErr error
}

// Events implements transport.Conn.
func (c *Conn) Events() <-chan transport.Event {
	return c.events
}

// Emit delivers an event to the consumer. It returns false when the
// connection is already closed.
func (c *Conn) Emit(e transport.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.events <- e:
		return true
	case <-c.done:
		return false
	}
}

// QR emits a QREvent.
func (c *Conn) QR(payload string) bool {
	return c.Emit(transport.QREvent{Payload: payload})
}

// Open emits an OpenEvent.
func (c *Conn) Open() bool {
	return c.Emit(transport.OpenEvent{})
}

// Drop emits a CloseEvent with the given cause.
func (c *Conn) Drop(cause transport.CloseCause) bool {
	return c.Emit(transport.CloseEvent{Cause: cause})
}

// Messages emits a MessagesEvent.
func (c *Conn) Messages(msgs ...transport.InboundMessage) bool {
	return c.Emit(transport.MessagesEvent{Messages: msgs})
}

// Credentials emits a CredentialsEvent.
func (c *Conn) Credentials(data []byte) bool {
	return c.Emit(transport.CredentialsEvent{Data: data})
}

// FailSends makes every later Send return err (nil restores success).
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Send implements transport.Conn.
func (c *Conn) Send(ctx context.Context, to, text string) error {
	if c.Closed() {
		return transport.ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, Sent{To: to, Text: text})
	return nil
}

// Sent returns the messages written so far.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
