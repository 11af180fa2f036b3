package protocol

import (
	"errors"
	"fmt"
)

// ErrNotFound means a foreign fetch returned not-found or gone. For content
// we previously published, callers reinterpret this as a delete signal.
var ErrNotFound = errors.New("not found")

// TransportError is a network or upstream server failure: timeout,
// connection refused, 5xx, or a delivery rejection with a status code.
// It is retryable for fetches and a per-target failure for deliveries.
type TransportError struct {
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream returned status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AsTransport extracts a TransportError from err, or nil.
func AsTransport(err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return nil
}
