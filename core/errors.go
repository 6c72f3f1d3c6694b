package core

import (
	"errors"
	"fmt"
)

// ValidationError reports rejected user input. It is never retried.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// ErrPersistence wraps every failed durable write.
var ErrPersistence = errors.New("persistence write failed")

// EngineBatchError is returned when the engine rejects a combined batch.
type EngineBatchError struct {
	Removals  int
	Additions int
	Err       error
}

func (e *EngineBatchError) Error() string {
	return fmt.Sprintf("engine batch (remove %d, add %d) rejected: %v", e.Removals, e.Additions, e.Err)
}

func (e *EngineBatchError) Unwrap() error { return e.Err }

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
