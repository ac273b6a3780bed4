package storage

import (
	"errors"
	"fmt"
)

// Kind classifies a storage error.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindInvalidParameters is caller error. Never retried automatically.
	KindInvalidParameters
	// KindDatabase is a backend I/O failure and may be transient.
	KindDatabase
	// KindNotFound means the target record is absent or not in the required state.
	KindNotFound
	// KindInvalidState means a stored invariant is broken.
	KindInvalidState
)

func (k Kind) String() string {
	switch k {
	case KindInvalidParameters:
		return "invalid parameters"
	case KindDatabase:
		return "database error"
	case KindNotFound:
		return "not found"
	case KindInvalidState:
		return "invalid state"
	}
	return "unknown"
}

// Error is the error type returned by every Provider operation.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return e.Kind.String() + ": " + e.Msg
	case e.Msg == "":
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, and on Msg when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

var (
	ErrInvalidParameters = &Error{Kind: KindInvalidParameters}
	ErrDatabase          = &Error{Kind: KindDatabase}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrInvalidState      = &Error{Kind: KindInvalidState}

	ErrGroupNotFound = &Error{Kind: KindInvalidParameters, Msg: "group not found"}
	ErrNoAdmins      = &Error{Kind: KindInvalidState, Msg: "group has no admins"}
	ErrNoRelays      = &Error{Kind: KindInvalidState, Msg: "group has no relays"}
)

// InvalidParameters builds a KindInvalidParameters error.
func InvalidParameters(format string, args ...any) error {
	return &Error{Kind: KindInvalidParameters, Msg: fmt.Sprintf(format, args...)}
}

// Database wraps a backend failure for op.
func Database(op string, err error) error {
	return &Error{Kind: KindDatabase, Msg: op, Err: err}
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindInvalidParameters
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ValidationError reports an input over its size ceiling.
type ValidationError struct {
	Field      string
	MaxSize    int
	ActualSize int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s exceeds maximum length of %d bytes (got %d bytes)", e.Field, e.MaxSize, e.ActualSize)
}

// Is makes every ValidationError match ErrInvalidParameters.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindInvalidParameters && t.Msg == ""
}
