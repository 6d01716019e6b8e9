// Package errkind defines the error taxonomy shared by every layer of the
// discussion engine: a session-facing kind (invalid_argument, not_found,
// terminated, internal) and an LLM-layer kind (transport, auth, upstream, decode)
// that callers recover from locally instead of propagating.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries from the error handling design.
type Kind string

const (
	InvalidArgument Kind = "invalid_argument"
	NotFound        Kind = "not_found"
	Terminated      Kind = "terminated"
	Transport       Kind = "transport"
	Auth            Kind = "auth"
	Upstream        Kind = "upstream"
	Decode          Kind = "decode"
	Internal        Kind = "internal"
)

// Error wraps an underlying cause with a taxonomy Kind so callers can branch
// on errors.As without string matching.
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

// New builds an *Error for op with the given kind and cause.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether the first *Error in err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal when err does
// not wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Recoverable reports whether a Kind is handled locally by the LLM layer
// (transport/auth/upstream/decode) rather than surfaced to the session API.
func (k Kind) Recoverable() bool {
	switch k {
	case Transport, Auth, Upstream, Decode:
		return true
	default:
		return false
	}
}
