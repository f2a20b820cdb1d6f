// Package aerr gives the error taxonomy of spec §7 a concrete Go shape:
// a small Kind enum, a wrapping Error type, and helpers so callers can
// classify an error without string-matching its message.
package aerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error taxonomy entries from spec §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfigInvalid
	KindNetworkUnreachable
	KindAuthFailed
	KindProtocolError
	KindTimeout
	KindIOError
	KindPermissionDenied
	KindHandlerFailure
	KindInvariantViolation
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "config_invalid"
	case KindNetworkUnreachable:
		return "network_unreachable"
	case KindAuthFailed:
		return "auth_failed"
	case KindProtocolError:
		return "protocol_error"
	case KindTimeout:
		return "timeout"
	case KindIOError:
		return "io_error"
	case KindPermissionDenied:
		return "permission_denied"
	case KindHandlerFailure:
		return "handler_failure"
	case KindInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a taxonomy Kind and the operation
// that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the taxonomy Kind of err, or KindUnknown if err does not
// carry one (or is nil).
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// Is reports whether the first *Error in err's chain has the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether an error of this kind is worth retrying.
// AuthFailed, InvariantViolation, and ConfigInvalid are never retried
// per spec §7's propagation rules.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindAuthFailed, KindInvariantViolation, KindConfigInvalid:
		return false
	case KindNetworkUnreachable, KindProtocolError, KindTimeout, KindIOError, KindPermissionDenied, KindHandlerFailure:
		return true
	default:
		return true
	}
}
