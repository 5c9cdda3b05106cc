package errors

import (
	"context"
	"errors"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCommunication marks a storage or transport failure. Callers may retry.
	ErrCommunication = errors.New("communication failure")
)

// FromContext translates a context error into the package errors, so that
// deadline expiry is reported as ErrTimeout. Other errors are returned as is.
func FromContext(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
