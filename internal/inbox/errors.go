// ABOUTME: Error taxonomy shared by the stream, pipeline, and host-facing operations.
// ABOUTME: Typed errors are matched with errors.As; the sentinels below with errors.Is.

package inbox

import (
	"errors"
	"fmt"
)

var (
	ErrMissingField         = errors.New("required field missing")
	ErrUnknownConversation  = errors.New("unknown conversation")
	ErrAccountUnmapped      = errors.New("account has no internal mapping")
	ErrNoAccount            = errors.New("no account selected")
	ErrRetryCeilingExceeded = errors.New("retry ceiling exceeded")
)

// TransportError is a connection or read failure. It drives reconnection
// and only reaches the host once the retry ceiling is crossed.
type TransportError struct {
	Op      string
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	if e.Attempt > 0 {
		return fmt.Sprintf("transport %s (attempt %d): %v", e.Op, e.Attempt, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is a per-frame failure; the frame is skipped.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// NormalizationError is a per-message failure; the message is dropped.
type NormalizationError struct {
	Field string
	Err   error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s: %v", e.Field, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// PreconditionError aborts an operation that cannot start, such as a
// missing account mapping or an absent credential. It is not retried.
type PreconditionError struct {
	AccountID string
	Err       error
}

func (e *PreconditionError) Error() string {
	if e.AccountID == "" {
		return fmt.Sprintf("precondition failed: %v", e.Err)
	}
	return fmt.Sprintf("precondition failed for account %s: %v", e.AccountID, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// SideEffectError reports a failed external call whose local optimistic
// effect was kept.
type SideEffectError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("%s for conversation %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }
