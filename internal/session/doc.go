// Package session runs chat-transport sessions and answers their inbound
// messages.
//
// Three types cooperate:
//
//   - Supervisor holds at most one transport connection per session id,
//     persists status transitions before publishing them and reconnects after
//     transient closes with exponential backoff.
//   - Pipeline turns an inbound message into a persisted exchange: resolve
//     the conversation, store the message, generate a reply through the
//     reply cache, store and deliver the reply, publish the history.
//   - Registry is the owner-scoped API used by the HTTP layer.
//
// Status machine of a session:
//
//	pending --qr--> qr --open--> connected
//	   ^                            |
//	   +------ transient close -----+
//	any --terminal close / Disconnect--> disconnected
//
// Events of one session are handled in emission order by a single
// goroutine; different sessions run concurrently.
package session
