/*
Package event provides the typed pub/sub event system that connects the session
supervisor and message pipeline to the push layer.

# Event Types

Every event is scoped to a session and carries exactly one typed payload:

  - qr: QRData, the pairing payload of a session awaiting a scan
  - status: StatusData, a session status transition
  - message: MessageData, the complete ordered history of one conversation

The payload determines the event type, so there are no string-keyed event
names at call sites:

	bus.Publish(event.NewStatus(sessionID, types.StatusConnected))

	unsubscribe := bus.Subscribe(event.Message, func(e event.Event) {
		data := e.Data.(event.MessageData)
		render(data.ConversationID, data.Messages)
	})
	defer unsubscribe()

# Delivery

Publish never blocks on subscribers. Each subscription owns a queue drained by
its own goroutine, so a subscriber observes events in publish order and a slow
or panicking subscriber cannot affect the others. PublishSync delivers in the
caller's goroutine and is mainly useful in tests.

SubscribeSession scopes a subscription to one session; this is the per-session
broadcast group used by the SSE endpoint.

# Watermill Mirror

Every published event is also encoded as JSON ({"type","sessionID","properties"})
and published on a watermill topic named after the event type, with the session
ID in the "sessionID" metadata key. By default the mirror is the bus's in-memory
GoChannel (see Mirror and PubSub); WithMirror swaps in any watermill Publisher
so events can be forwarded to a distributed broker.
*/
package event
