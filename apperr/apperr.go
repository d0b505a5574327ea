// Package apperr defines the stable error taxonomy the bridge uses to
// translate internal failures into the HTTP surface's {error:{kind,message}}
// body and into terminal run "failed" events.
package apperr

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Kind is a stable, machine-readable error category. The HTTP surface and
// the run manager switch on Kind; never on err.Error() text.
type Kind string

const (
	KindConfig          Kind = "config-error"
	KindAgentNotFound   Kind = "agent-not-found"
	KindAuth            Kind = "auth-error"
	KindSpawnFailed     Kind = "spawn-failed"
	KindTransportClosed Kind = "transport-closed"
	KindAgentExited     Kind = "agent-exited"
	KindAgentError      Kind = "agent-error"
	KindBusy            Kind = "busy"
	KindConflict        Kind = "conflict"
	KindNotFound        Kind = "not-found"
	KindInternal        Kind = "internal"
)

// Error is an error annotated with a Kind, a caller-supplied message, and
// the file:line it was raised at. The underlying cause (if any) is kept for
// %w-unwrapping but never surfaces in the HTTP message field.
type Error struct {
	Kind    Kind
	Message string
	Site    string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Site, e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Site, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a Kind-tagged error with file:line context.
func New(kind Kind, format string, a ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...), Site: caller(2)}
}

// Wrap annotates an existing error with a Kind and message, preserving it
// as the unwrap chain. Returns nil if err is nil.
func Wrap(err error, kind Kind, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, a...), Site: caller(2), cause: err}
}

// Of extracts the Kind of err. It returns the empty Kind when err is nil,
// and KindInternal when err is not an *Error and wraps no *Error in its
// chain.
func Of(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err's Kind equals k.
func Is(err error, k Kind) bool {
	return Of(err) == k
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "???"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
