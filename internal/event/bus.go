// Package event provides a typed pub/sub event system for session lifecycle
// and message events, using watermill for the outward mirror.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/opencode-ai/chatbridge/internal/logging"
)

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// Filter selects which events a subscriber receives.
type Filter func(event Event) bool

// subscription delivers events to one subscriber in publish order without
// blocking the publisher.
type subscription struct {
	id     uint64
	filter Filter
	fn     Subscriber

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(id uint64, filter Filter, fn Subscriber) *subscription {
	s := &subscription{
		id:     id,
		filter: filter,
		fn:     fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription) enqueue(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(e)
		}
	}
}

func (s *subscription) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Interface("panic", r).
				Str("eventType", string(e.Type())).
				Str("sessionID", e.SessionID).
				Msg("event subscriber panicked")
		}
	}()
	s.fn(e)
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Bus fans events out to in-process subscribers and mirrors them as JSON onto
// a watermill publisher, one topic per event type.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	closed bool

	pubsub *gochannel.GoChannel
	mirror message.Publisher
}

// NewBus creates a new event bus backed by an in-memory watermill GoChannel.
func NewBus() *Bus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer: 100,
			Persistent:          false,
		},
		watermill.NopLogger{},
	)
	return &Bus{
		pubsub: pubsub,
		mirror: pubsub,
	}
}

// WithMirror replaces the outward publisher (for example with a distributed
// watermill backend). The in-memory GoChannel stays available via PubSub.
func (b *Bus) WithMirror(pub message.Publisher) *Bus {
	b.mu.Lock()
	b.mirror = pub
	b.mu.Unlock()
	return b
}

func (b *Bus) add(filter Filter, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	sub := newSubscription(atomic.AddUint64(&b.nextID, 1), filter, fn)
	b.subs = append(b.subs, sub)

	return func() { b.remove(sub.id) }
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			sub.stop()
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.add(func(e Event) bool { return e.Type() == eventType }, fn)
}

// SubscribeSession registers a subscriber for every event of one session.
func (b *Bus) SubscribeSession(sessionID string, fn Subscriber) func() {
	return b.add(func(e Event) bool { return e.SessionID == sessionID }, fn)
}

// SubscribeAll registers a subscriber for all events.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.add(nil, fn)
}

// Publish queues the event for every matching subscriber and returns
// immediately. Each subscriber observes events in publish order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter == nil || sub.filter(e) {
			targets = append(targets, sub)
		}
	}
	mirror := b.mirror
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.enqueue(e)
	}

	b.publishMirror(mirror, e)
}

// PublishSync calls every matching subscriber in the current goroutine.
func (b *Bus) PublishSync(e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.filter == nil || sub.filter(e) {
			targets = append(targets, sub)
		}
	}
	mirror := b.mirror
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(e)
	}

	b.publishMirror(mirror, e)
}

func (b *Bus) publishMirror(pub message.Publisher, e Event) {
	if pub == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		logging.Warn().Err(err).Str("eventType", string(e.Type())).Msg("event mirror marshal failed")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("sessionID", e.SessionID)
	if err := pub.Publish(string(e.Type()), msg); err != nil {
		logging.Warn().Err(err).Str("eventType", string(e.Type())).Msg("event mirror publish failed")
	}
}

// Mirror subscribes to the watermill mirror topic for an event type.
func (b *Bus) Mirror(ctx context.Context, eventType EventType) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, string(eventType))
}

// PubSub returns the underlying watermill GoChannel.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// Close stops every subscriber and closes the watermill GoChannel.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.stop()
	}
	b.subs = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
