// Package apperr defines the error taxonomy used across the server. Every user-facing
// error carries a stable Code, a Kind for programmatic dispatch, and — for
// state errors — the CurrentState so a client can reconcile.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds the API surface translates into a response.
type Kind string

const (
	KindInput               Kind = "input_error"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindForbidden           Kind = "forbidden"
	KindUnextractable       Kind = "unextractable"
	KindVerificationBlocker Kind = "verification_blocker"
	KindOverloaded          Kind = "overloaded"
	KindInferenceFailed     Kind = "inference_failed"
	KindExportPending       Kind = "export_pending"
	KindExportFailed        Kind = "export_failed"
	KindAuditIntegrity      Kind = "audit_integrity_error"
	KindSafetyViolation     Kind = "safety_violation"
)

// Error is the concrete error type carried through the system. Wrap
// lower-level (eris-wrapped) causes with New/Wrap so the API layer can
// always recover a stable code + kind, regardless of how deep the cause is.
type Error struct {
	Kind         Kind
	Code         string
	Message      string
	Field        string // set for KindInput
	CurrentState string // set for state errors (Conflict, etc.)
	Cause        error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a new apperr.Error, code defaults to the kind string.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: message}
}

// Wrap builds a new apperr.Error around a lower-level cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Code: string(kind), Message: message, Cause: cause}
}

// WithField sets the offending field for an InputError.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// WithState attaches the booking's current state for a Conflict/NotFound.
func (e *Error) WithState(state string) *Error {
	e.CurrentState = state
	return e
}

// KindOf reports the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// StateConflict is a convenience constructor for the very common
// two-operators-race case.
func StateConflict(subject, currentState string) *Error {
	return New(KindConflict, fmt.Sprintf("state conflict on %s", subject)).WithState(currentState)
}
