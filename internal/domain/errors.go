package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCaller is returned when a request carries no caller identity.
	ErrNoCaller = errors.New("caller identity is missing")
	// ErrNotFound is returned when a scoped lookup finds nothing.
	ErrNotFound = errors.New("not found")
)

// ValidationError: required field missing, malformed value, or natural-key
// collision with a different entity. The offending write is not applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// ResolutionError: a reference (patient or hospital) could not be matched.
type ResolutionError struct {
	Kind   string // "patient" or "hospital"
	Ref    string
	Reason string // optional, e.g. "ambiguous name"
}

func (e *ResolutionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unresolved %s reference %q: %s", e.Kind, e.Ref, e.Reason)
	}
	return fmt.Sprintf("unresolved %s reference %q", e.Kind, e.Ref)
}

// AccessScopeError: the target lies outside the caller's branch.
type AccessScopeError struct {
	Branch string
	Reason string
}

func (e *AccessScopeError) Error() string {
	return fmt.Sprintf("access denied for branch %q: %s", e.Branch, e.Reason)
}

// PersistenceError wraps a store failure. Connectivity marks failures that
// should halt a bulk run.
type PersistenceError struct {
	Op           string
	Connectivity bool
	Err          error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is a PersistenceError caused by a lost connection.
func IsConnectivity(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Connectivity
}
