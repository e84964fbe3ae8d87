package domain

import (
	"errors"
	"fmt"
)

// ErrStorageUnavailable indicates the local durable medium cannot be opened or written.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// ErrRemoteUnavailable indicates the remote store could not be reached, or
// that no authenticated session exists for it.
var ErrRemoteUnavailable = errors.New("remote storage unavailable")

// ValidationError reports user input rejected at the creation boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
