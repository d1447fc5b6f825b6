package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrVersionConflict         = errors.New("version conflict")
	ErrOrchestratorUnavailable = errors.New("orchestrator unavailable")
	ErrSpawnFailure            = errors.New("spawn failure")
	ErrTransport               = errors.New("transport error")
	ErrConflict                = errors.New("conflict")
)

// ValidationError reports an argument that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return ValidationError{Field: field, Reason: reason}
}

// VersionConflictError carries the versions involved in a rejected write.
type VersionConflictError struct {
	TaskID   string
	Expected int
	Actual   int
}

func (e VersionConflictError) Error() string {
	return fmt.Sprintf("task %s: expected version %d, current version %d", e.TaskID, e.Expected, e.Actual)
}

func (e VersionConflictError) Unwrap() error { return ErrVersionConflict }

// NotFoundf wraps ErrNotFound with the missing entity.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}
