package jobs

import (
	"errors"
	"fmt"
)

// ValidationError rejects malformed job-creation input before anything is
// persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransportError wraps a mail-send failure so the dispatcher can route it
// through the retry path.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mail transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
