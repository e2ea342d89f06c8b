// Package failure defines the error taxonomy shared by the call orchestrator,
// the access engine and the tool surface.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable class of a failure.
type Kind string

// Failure kinds.
const (
	KindAccessDenied           Kind = "access_denied"
	KindCapabilityUnavailable  Kind = "capability_unavailable"
	KindTransientEngineFailure Kind = "transient_engine_failure"
	KindPersistenceFailure     Kind = "persistence_failure"
	KindFatalSetupFailure      Kind = "fatal_setup_failure"
	KindUnknown                Kind = "unknown"
)

// Recoverable reports whether a call can continue after a failure of this kind.
func (k Kind) Recoverable() bool {
	switch k {
	case KindCapabilityUnavailable, KindTransientEngineFailure, KindPersistenceFailure:
		return true
	}
	return false
}

// Error is a classified failure.
type Error struct {
	Kind     Kind
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a failure of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates a failure with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WithMetadata creates a failure carrying structured context.
func WithMetadata(kind Kind, message string, metadata map[string]string) *Error {
	return &Error{Kind: kind, Message: message, Metadata: metadata}
}

// Wrap creates a failure wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrAccessDenied           = New(KindAccessDenied, "access denied")
	ErrCapabilityUnavailable  = New(KindCapabilityUnavailable, "capability unavailable")
	ErrTransientEngineFailure = New(KindTransientEngineFailure, "conversation engine failed")
	ErrPersistenceFailure     = New(KindPersistenceFailure, "persistence failed")
	ErrFatalSetupFailure      = New(KindFatalSetupFailure, "session setup failed")
)

// KindOf returns the kind of the first failure in err's chain, or
// KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// MetadataOf returns the metadata of the first failure in err's chain.
func MetadataOf(err error) map[string]string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Metadata
	}
	return nil
}
