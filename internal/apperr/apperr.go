package apperr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Typed errors below match them through errors.Is so callers
// can branch on the kind without caring about the concrete type.
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrLimitExceeded       = errors.New("limit exceeded")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// ValidationError reports malformed input, e.g. an undecodable billing event.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation builds a ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a missing target record.
type NotFoundError struct {
	Kind string
	Ref  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Ref)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound builds a NotFoundError.
func NotFound(kind, ref string) error {
	return &NotFoundError{Kind: kind, Ref: ref}
}

// InvalidTransitionError reports a lifecycle operation attempted from a
// status outside its allowed source set.
type InvalidTransitionError struct {
	From       string
	Transition string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s is not allowed from %s", e.Transition, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// LimitExceededError reports a usage adjustment that would breach the
// snapshot limit for the field.
type LimitExceededError struct {
	Field     string
	Limit     int
	Attempted int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("limit exceeded: %s would be %d (limit %d)", e.Field, e.Attempted, e.Limit)
}

func (e *LimitExceededError) Is(target error) bool { return target == ErrLimitExceeded }
