package session

import (
	"errors"

	"github.com/opencode-ai/chatbridge/internal/store"
)

var (
	// ErrNotFound is returned for sessions and conversations that do not
	// exist or belong to another owner.
	ErrNotFound = store.ErrNotFound
	// ErrSessionNotConnected is returned when an operation needs an open
	// transport connection and the session has none.
	ErrSessionNotConnected = errors.New("session not connected")
	// ErrSupervisorClosed is returned by Start after Shutdown.
	ErrSupervisorClosed = errors.New("supervisor closed")
	// ErrFiltered is returned for inbound messages the pipeline ignores.
	ErrFiltered = errors.New("message filtered")
	// ErrEmptyMessage is returned when a message body is blank.
	ErrEmptyMessage = errors.New("message body is empty")
	// ErrMissingOwner is returned when a caller is not bound to an owner.
	ErrMissingOwner = errors.New("owner id is required")

	errRuntimeReleased = errors.New("session runtime released")
)
