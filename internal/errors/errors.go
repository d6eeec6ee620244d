package errors

import "errors"

// Send-path validation errors. Local, never retried.
var (
	ErrEmptyContent   = errors.New("message content is empty")
	ErrNoConversation = errors.New("no conversation attached")
)

// Timeout errors. Retryable by the caller.
var (
	ErrSessionTimeout = errors.New("timed out waiting for session ready")
	ErrAckTimeout     = errors.New("timed out waiting for acknowledgment")
)

// Lifecycle errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrDisposed         = errors.New("conversation handle disposed")
)
