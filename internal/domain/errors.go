package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for store outcomes. Callers branch with errors.Is.
var (
	// ErrNotFound is returned when no current (deleted_at IS NULL) row exists.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when the optimistic soft-delete affected
	// zero rows: a concurrent writer consumed the version first.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStateConflict is returned when an atomic state transition found the
	// row outside its precondition state. Non-fatal; the caller decides.
	ErrStateConflict = errors.New("state conflict")
)

// FieldError is a single structured validation failure.
type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates field errors produced by intent validation.
// It is persisted on the intent row and surfaced in the rejection event.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s[%s]: %s", fe.Code, fe.Field, fe.Message))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field error and returns the receiver for chaining.
func (e *ValidationError) Add(code, field, message string) *ValidationError {
	e.Errors = append(e.Errors, FieldError{Code: code, Field: field, Message: message})
	return e
}

// HasErrors reports whether any field failed.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }
