package chat

import (
	"errors"
	"fmt"
)

// AuthError is a handshake rejection. Fatal for the attach attempt: the
// lifecycle manager does not auto-retry it, the caller must re-establish
// identity and attach again.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Message }

// IsAuthError reports whether err (or any error in its chain) is an
// AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ProtocolError is a malformed or unexpected channel frame. Dropped and
// logged, never crashes the session.
type ProtocolError struct {
	Message string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Message }

// GapRecoveryError is raised after exhausting retries on a history page
// fetch. It forces a full reconnect and fresh resume rather than leaving
// the view partially recovered.
type GapRecoveryError struct {
	FromSeq int64
	Err     error
}

func (e *GapRecoveryError) Error() string {
	return fmt.Sprintf("gap recovery failed at seq %d: %v", e.FromSeq, e.Err)
}

func (e *GapRecoveryError) Unwrap() error { return e.Err }

// IsGapRecoveryError reports whether err (or any error in its chain) is
// a GapRecoveryError.
func IsGapRecoveryError(err error) bool {
	var ge *GapRecoveryError
	return errors.As(err, &ge)
}
