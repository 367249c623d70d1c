package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput marks a transaction that cannot be scored as given.
	ErrInvalidInput = errors.New("invalid input")

	// ErrScorerUnavailable is returned when the scorer failed to initialize.
	ErrScorerUnavailable = errors.New("scorer not initialized")

	// ErrNotFound is returned by a RuleStore for an unknown rule ID.
	ErrNotFound = errors.New("record not found")
)

// FieldError describes a problem with a single request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects field problems for one request.
// Missing is set when every problem is an absent field.
type ValidationError struct {
	Fields  []FieldError
	Missing bool
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrInvalidInput.Error()
	}
	if e.Missing {
		return "Missing field: " + e.Fields[0].Field
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s %s", f.Field, f.Message))
	}
	return "Invalid field: " + strings.Join(parts, "; ")
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidInput).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}
