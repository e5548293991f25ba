package worker

import (
	"errors"
)

// permanentError marks a handler failure that retrying cannot fix: malformed
// payloads, unknown references, disabled subscriptions. The processor moves
// these jobs straight to the dead-letter queue.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps err so the processor dead-letters the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
