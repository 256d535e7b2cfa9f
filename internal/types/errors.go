package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for valuation operations. Typed errors below unwrap to
// these so callers can branch with errors.Is.
var (
	// ErrNotFound indicates a ruleset, group, rule or listing does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a concurrent change; the caller may retry.
	ErrConflict = errors.New("conflict")

	// ErrReadOnly indicates a write against a system baseline ruleset.
	ErrReadOnly = errors.New("ruleset is read-only")

	// ErrPathTooDeep indicates a field path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("field path exceeds maximum depth")

	// ErrTooManyWildcards indicates a field path exceeds MaxNestedWildcards.
	ErrTooManyWildcards = errors.New("field path has too many wildcards")

	// ErrInvalidPath indicates a field path could not be parsed.
	ErrInvalidPath = errors.New("invalid field path")

	// ErrTooManyInValues indicates an in_list operator exceeds MaxInOperatorValues.
	ErrTooManyInValues = errors.New("in_list operator has too many values")

	// ErrInvalidOperator indicates an unknown or incompatible operator.
	ErrInvalidOperator = errors.New("invalid operator for field type")

	// ErrInvalidCondition indicates a malformed condition node.
	ErrInvalidCondition = errors.New("invalid condition")

	// ErrInvalidAction indicates a malformed action.
	ErrInvalidAction = errors.New("invalid action")

	// ErrInvalidFormula indicates a formula failed to parse.
	ErrInvalidFormula = errors.New("invalid formula")

	// ErrFormulaEval indicates a valid formula failed at evaluation time.
	ErrFormulaEval = errors.New("formula evaluation failed")

	// ErrCoercionFailed indicates type coercion failed.
	ErrCoercionFailed = errors.New("type coercion failed")

	// ErrFieldNotFound indicates a field path could not be resolved.
	ErrFieldNotFound = errors.New("field not found")

	// ErrInvalidBundle indicates a malformed ruleset bundle or baseline document.
	ErrInvalidBundle = errors.New("invalid bundle")

	// ErrHashMismatch indicates a bundle's source_hash does not match its content.
	ErrHashMismatch = errors.New("source hash mismatch")
)

// ValidationError is a configuration error found when a rule is saved.
type ValidationError struct {
	Field  string // e.g. "conditions.children[1].operator"
	Reason string
	Err    error // one of the sentinels above
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Reason)
	}
	return fmt.Sprintf("%s: %v: %s", e.Field, e.Err, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError builds a ValidationError.
func NewValidationError(field string, err error, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...), Err: err}
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "ruleset", "group", "rule", "listing"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFound builds a NotFoundError.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConflictError is a retryable conflict with a concurrent change.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// Retryable reports that the operation may succeed when retried against
// fresh state.
func (e *ConflictError) Retryable() bool { return true }

// NewConflict builds a ConflictError.
func NewConflict(format string, args ...any) *ConflictError {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}
