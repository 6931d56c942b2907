package filter

import (
	"errors"
	"fmt"
)

// ErrInvalidFilter is matched by every validation failure
var ErrInvalidFilter = errors.New("invalid filter")

// ValidationError reports why a predicate was rejected
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid filter: %s", e.Reason)
	}
	return fmt.Sprintf("invalid filter at %s: %s", e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidFilter
}

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)}
}
