// Package server provides the HTTP API of chatbridge.
//
// Every /sessions route requires the caller's owner id in the X-Owner-ID
// header; sessions of other owners are reported as not found.
//
//	GET    /health
//	GET    /metrics
//	POST   /sessions
//	GET    /sessions
//	GET    /sessions/{id}
//	DELETE /sessions/{id}?wipe=true
//	GET    /sessions/{id}/events
//	GET    /sessions/{id}/conversations
//	POST   /sessions/{id}/conversations
//	GET    /sessions/{id}/conversations/{cid}/messages
//	POST   /sessions/{id}/conversations/{cid}/messages
//	POST   /sessions/{id}/conversations/{cid}/send
//
// Errors use the envelope {"error":{"code":"...","message":"..."}}.
//
// # Event Streaming
//
// /sessions/{id}/events is a Server-Sent Events stream. It opens with a
// "connected" event, then carries every qr, status and message event of
// the session as
//
//	event: <type>
//	data: {"type":"<type>","sessionID":"...","properties":{...}}
//
// with a heartbeat comment every 30 seconds.
package server
