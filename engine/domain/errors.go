package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the pipeline error taxonomy. Failures are isolated
// per entity/event; none of these may block processing of other entities.
var (
	ErrUnknownEntityType   = errors.New("unknown entity type")
	ErrExtraction          = errors.New("extraction failed")
	ErrEmbeddingGeneration = errors.New("embedding generation failed")
	ErrVectorStore         = errors.New("vector store failure")
	ErrEntityNotFound      = errors.New("entity not found")
	ErrMissingTenant       = errors.New("tenant id required")
	ErrInvalidEvent        = errors.New("invalid change event")
	ErrInvalidTemplate     = errors.New("invalid template")
)

// ValidationError wraps a sentinel with field context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
