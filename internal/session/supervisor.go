package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/logging"
	"github.com/opencode-ai/chatbridge/internal/metrics"
	"github.com/opencode-ai/chatbridge/internal/store"
	"github.com/opencode-ai/chatbridge/internal/transport"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

const (
	// DefaultReconnectInitial is the delay before the first reconnect attempt.
	DefaultReconnectInitial = 3 * time.Second
	// DefaultReconnectMax caps the reconnect delay.
	DefaultReconnectMax = 60 * time.Second
)

// ReconnectPolicy configures the exponential reconnect delay.
type ReconnectPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultReconnectPolicy starts at 3s and caps at 60s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{Initial: DefaultReconnectInitial, Max: DefaultReconnectMax}
}

func (p ReconnectPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0 // retry forever; only a terminal close or Stop ends a session
	b.Reset()
	return b
}

// BatchHandler consumes the message batches of a live session.
type BatchHandler interface {
	HandleBatch(ctx context.Context, sessionID string, batch []transport.InboundMessage)
}

// runtime is the in-memory handle of one supervised session. All mutable
// fields are guarded by Supervisor.mu.
type runtime struct {
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	log       zerolog.Logger

	// dispatchMu is held while one event is handled. Stop acquires it after
	// cancelling ctx so no handler outlives the runtime. Never take it while
	// holding Supervisor.mu.
	dispatchMu sync.Mutex

	conn    transport.Conn
	open    bool
	backoff *backoff.ExponentialBackOff
	timer   *time.Timer
	// gen identifies the latest scheduled reconnect; a timer whose token is
	// stale does nothing when it fires.
	gen uint64
}

// Supervisor owns at most one runtime connection per session id, drives the
// status state machine and applies the reconnect policy.
type Supervisor struct {
	transport transport.Transport
	store     store.Store
	creds     *transport.CredentialStore
	bus       *event.Bus
	policy    ReconnectPolicy

	handlerMu sync.RWMutex
	handler   BatchHandler

	mu       sync.Mutex
	runtimes map[string]*runtime
	closed   bool
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor. A zero policy selects the default.
func NewSupervisor(tr transport.Transport, st store.Store, creds *transport.CredentialStore, bus *event.Bus, policy ReconnectPolicy) *Supervisor {
	if policy.Initial <= 0 {
		policy.Initial = DefaultReconnectInitial
	}
	if policy.Max <= 0 {
		policy.Max = DefaultReconnectMax
	}
	if policy.Max < policy.Initial {
		policy.Max = policy.Initial
	}
	return &Supervisor{
		transport: tr,
		store:     st,
		creds:     creds,
		bus:       bus,
		policy:    policy,
		runtimes:  make(map[string]*runtime),
	}
}

// SetHandler installs the consumer of inbound message batches.
func (s *Supervisor) SetHandler(h BatchHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = h
}

func (s *Supervisor) batchHandler() BatchHandler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handler
}

// Start opens a connection for the session unless one is already held. An
// open failure is not returned: the session goes to pending and a reconnect
// is scheduled.
func (s *Supervisor) Start(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSupervisorClosed
	}
	if _, ok := s.runtimes[sessionID]; ok {
		s.mu.Unlock()
		return nil
	}

	rtCtx, cancel := context.WithCancel(context.Background())
	rt := &runtime{
		sessionID: sessionID,
		ctx:       rtCtx,
		cancel:    cancel,
		log:       logging.ForSession("supervisor", sessionID),
		backoff:   s.policy.newBackOff(),
	}
	s.runtimes[sessionID] = rt
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	metrics.LiveConnections.Inc()
	rt.log.Info().Msg("session started")

	s.connect(rt)
	return nil
}

// connect opens a transport connection for rt and starts its event loop.
func (s *Supervisor) connect(rt *runtime) {
	creds, err := s.creds.Load(rt.ctx, rt.sessionID)
	if err != nil {
		rt.log.Warn().Err(err).Msg("loading credentials failed, pairing from scratch")
	}

	conn, err := s.transport.Open(rt.ctx, rt.sessionID, creds)
	if err != nil {
		if rt.ctx.Err() != nil {
			return
		}
		rt.log.Warn().Err(err).Msg("transport open failed")
		s.transition(rt, types.StatusPending, nil)
		s.scheduleReconnect(rt)
		return
	}

	s.mu.Lock()
	if s.runtimes[rt.sessionID] != rt || rt.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	rt.conn = conn
	rt.open = false
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(rt, conn)
}

// run drains the connection's events one at a time, so a session's events
// are handled in emission order.
func (s *Supervisor) run(rt *runtime, conn transport.Conn) {
	defer s.wg.Done()

	for {
		select {
		case <-rt.ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				ev = transport.CloseEvent{Cause: transport.CloseCause{Reason: "event stream ended"}}
			}
			if done := s.dispatchCurrent(rt, conn, ev); done || !ok {
				return
			}
		}
	}
}

// dispatchCurrent handles ev under the runtime's dispatch lock, dropping it
// once the runtime has been stopped.
func (s *Supervisor) dispatchCurrent(rt *runtime, conn transport.Conn, ev transport.Event) bool {
	rt.dispatchMu.Lock()
	defer rt.dispatchMu.Unlock()
	if rt.ctx.Err() != nil {
		return true
	}
	return s.dispatch(rt, conn, ev)
}

func (s *Supervisor) dispatch(rt *runtime, conn transport.Conn, ev transport.Event) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Error().Interface("panic", r).Msg("session event handler panicked")
		}
	}()

	switch e := ev.(type) {
	case transport.CredentialsEvent:
		if err := s.creds.Save(rt.ctx, rt.sessionID, e.Data); err != nil {
			rt.log.Error().Err(err).Msg("persisting credentials failed")
		}
	case transport.QREvent:
		qr := e.Payload
		s.transition(rt, types.StatusQR, &qr)
	case transport.OpenEvent:
		s.mu.Lock()
		rt.open = true
		rt.backoff.Reset()
		s.mu.Unlock()
		if s.transition(rt, types.StatusConnected, nil) {
			rt.log.Info().Msg("session connected")
		}
	case transport.CloseEvent:
		s.onClose(rt, conn, e.Cause)
		return true
	case transport.MessagesEvent:
		if h := s.batchHandler(); h != nil {
			h.HandleBatch(rt.ctx, rt.sessionID, e.Messages)
		}
	default:
		rt.log.Debug().Str("event", fmt.Sprintf("%T", ev)).Msg("ignoring transport event")
	}
	return false
}

func (s *Supervisor) onClose(rt *runtime, conn transport.Conn, cause transport.CloseCause) {
	conn.Close()

	s.mu.Lock()
	current := s.runtimes[rt.sessionID] == rt && rt.ctx.Err() == nil
	if rt.conn == conn {
		rt.conn = nil
		rt.open = false
	}
	s.mu.Unlock()

	if !current {
		return
	}

	if cause.Terminal() {
		rt.log.Info().
			Bool("loggedOut", cause.LoggedOut).
			Int("code", cause.Code).
			Msg("session closed permanently")
		s.transition(rt, types.StatusDisconnected, nil)

		s.mu.Lock()
		if s.runtimes[rt.sessionID] == rt {
			s.releaseLocked(rt)
		}
		s.mu.Unlock()
		return
	}

	rt.log.Warn().Int("code", cause.Code).Str("reason", cause.Reason).Msg("session closed, reconnecting")
	s.transition(rt, types.StatusPending, nil)
	s.scheduleReconnect(rt)
}

// transition persists the new status and then publishes it. A QR transition
// publishes a qr event carrying the payload; every other transition clears
// the stored payload and publishes a status event. Nothing is persisted or
// published once rt has been released, and nothing is published when
// persisting fails.
func (s *Supervisor) transition(rt *runtime, status types.SessionStatus, qr *string) bool {
	if !s.current(rt) {
		return false
	}
	_, err := s.store.UpdateSession(rt.ctx, rt.sessionID, func(sess *types.Session) error {
		if !s.current(rt) {
			return errRuntimeReleased
		}
		sess.Status = status
		sess.QRPayload = qr
		return nil
	})
	if errors.Is(err, errRuntimeReleased) {
		return false
	}
	if err != nil {
		rt.log.Error().Err(err).Str("status", string(status)).Msg("persisting session status failed")
		return false
	}
	if !s.current(rt) {
		return false
	}

	metrics.StatusTransitions.WithLabelValues(string(status)).Inc()
	if status == types.StatusQR && qr != nil {
		s.bus.Publish(event.NewQR(rt.sessionID, *qr))
	} else {
		s.bus.Publish(event.NewStatus(rt.sessionID, status))
	}
	return true
}

func (s *Supervisor) current(rt *runtime) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimes[rt.sessionID] == rt && rt.ctx.Err() == nil
}

// scheduleReconnect arms the single reconnect timer of rt, replacing any
// timer still pending.
func (s *Supervisor) scheduleReconnect(rt *runtime) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.runtimes[rt.sessionID] != rt || rt.ctx.Err() != nil {
		return
	}
	if rt.timer != nil && rt.timer.Stop() {
		s.wg.Done()
	}

	delay := rt.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = s.policy.Max
	}
	rt.gen++
	gen := rt.gen

	s.wg.Add(1)
	rt.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.reconnect(rt, gen)
	})

	metrics.ReconnectsScheduled.Inc()
	rt.log.Info().Dur("delay", delay).Msg("reconnect scheduled")
}

func (s *Supervisor) reconnect(rt *runtime, gen uint64) {
	s.mu.Lock()
	if s.closed || s.runtimes[rt.sessionID] != rt || rt.gen != gen || rt.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	rt.timer = nil
	s.mu.Unlock()

	rt.log.Info().Msg("reconnecting")
	s.connect(rt)
}

// releaseLocked removes rt from the arena, cancels its lifetime and any
// pending reconnect, and returns the connection the caller must close.
func (s *Supervisor) releaseLocked(rt *runtime) transport.Conn {
	delete(s.runtimes, rt.sessionID)
	rt.cancel()
	if rt.timer != nil && rt.timer.Stop() {
		s.wg.Done()
	}
	rt.timer = nil

	conn := rt.conn
	rt.conn = nil
	rt.open = false
	metrics.LiveConnections.Dec()
	return conn
}

// Stop releases the session's runtime connection and cancels any pending
// reconnect. It returns once no event handler of the session is running, so
// a caller may persist a status without a late transition overwriting it.
// The persisted status is left untouched.
func (s *Supervisor) Stop(sessionID string) {
	s.mu.Lock()
	rt, ok := s.runtimes[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	conn := s.releaseLocked(rt)
	s.mu.Unlock()

	// Wait out the handler that may still be running.
	rt.dispatchMu.Lock()
	rt.dispatchMu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			rt.log.Debug().Err(err).Msg("closing connection")
		}
	}
	rt.log.Info().Msg("session stopped")
}

// Send writes text to a recipient through the session's open connection.
func (s *Supervisor) Send(ctx context.Context, sessionID, to, text string) error {
	s.mu.Lock()
	rt, ok := s.runtimes[sessionID]
	if !ok || rt.conn == nil || !rt.open {
		s.mu.Unlock()
		return ErrSessionNotConnected
	}
	conn := rt.conn
	s.mu.Unlock()

	if err := conn.Send(ctx, to, text); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return ErrSessionNotConnected
		}
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// IsLive reports whether the supervisor holds a runtime for the session,
// connected or waiting to reconnect.
func (s *Supervisor) IsLive(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runtimes[sessionID]
	return ok
}

// IsConnected reports whether the session's connection is open.
func (s *Supervisor) IsConnected(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[sessionID]
	return ok && rt.open
}

// Live returns the ids of all supervised sessions.
func (s *Supervisor) Live() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runtimes))
	for id := range s.runtimes {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every session and waits for their goroutines to exit.
// Start fails after Shutdown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	var conns []transport.Conn
	for _, rt := range s.runtimes {
		if conn := s.releaseLocked(rt); conn != nil {
			conns = append(conns, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
}
