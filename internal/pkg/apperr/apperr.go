// Package apperr defines the store's error kinds: each kind carries a
// distinct propagation policy (retry, skip, surface-to-caller, or
// fail-the-job) rather than a single generic wrapped error, so callers can
// switch on kind instead of string-matching messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how its caller must react to it.
type Kind string

const (
	// KindValidation: payload/schema mismatch. Surfaced as 4xx, never retried.
	KindValidation Kind = "validation"
	// KindTransientBackend: store or external service timeout/5xx. The
	// owning job fails and is re-enqueued with backoff.
	KindTransientBackend Kind = "transient_backend"
	// KindLogic: a referenced tempId is missing, endpoints disagree on user,
	// or a singleton uniqueness check lost a race. Logged, item skipped.
	KindLogic Kind = "logic"
	// KindConflictIgnored: a unique-constraint collision during an
	// idempotent insert. Not an error condition; callers track it via
	// inserted-row cardinality, not via error propagation, but it is
	// represented here so a batch can report what it ate.
	KindConflictIgnored Kind = "conflict_ignored"
	// KindLLMParse: a required structured completion failed validation.
	// Fatal for the owning job; partial effects already committed stand.
	KindLLMParse Kind = "llm_parse"
)

// Error wraps an underlying cause with a Kind and an optional component tag.
type Error struct {
	Kind      Kind
	Component string
	Err       error
}

func (e *Error) Error() string {
	if e.Component != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Component, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a Kind-tagged error.
func New(kind Kind, component string, err error) *Error {
	return &Error{Kind: kind, Component: component, Err: err}
}

// Validation wraps err as a ValidationError.
func Validation(component string, err error) *Error { return New(KindValidation, component, err) }

// TransientBackend wraps err as a TransientBackendError.
func TransientBackend(component string, err error) *Error {
	return New(KindTransientBackend, component, err)
}

// Logic wraps err as a LogicError.
func Logic(component string, err error) *Error { return New(KindLogic, component, err) }

// LLMParse wraps err as an LLMParseError.
func LLMParse(component string, err error) *Error { return New(KindLLMParse, component, err) }

// Is reports whether err is an *Error of the given kind, following wrapped chains.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is a generic sentinel for cross-user access attempts.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
)
