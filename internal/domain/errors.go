package domain

import (
	"errors"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrLockHeld          = errors.New("lock already held")
	ErrVenueUnavailable  = errors.New("venue unavailable")
	ErrNoQuotes          = errors.New("no venue returned a quote")
	ErrQueueClosed       = errors.New("queue closed")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// FieldError describes a single invalid request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every offending field of a rejected request.
type ValidationError struct {
	Details []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+": "+d.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field problem.
func (e *ValidationError) Add(field, msg string) {
	e.Details = append(e.Details, FieldError{Field: field, Message: msg})
}

// OrNil returns e when it holds at least one detail, otherwise nil.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Details) == 0 {
		return nil
	}
	return e
}
