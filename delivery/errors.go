// Package delivery implements the cross-protocol activity pipeline: target
// resolution, create/update/delete envelope decisions, and the per-target
// delivery loop with independent outcomes.
package delivery

import (
	"errors"
	"fmt"
)

// ClientError is a synchronously reportable input error: malformed id,
// unsupported URL, missing field. Never retried.
type ClientError struct {
	Status int
	Msg    string
}

func (e *ClientError) Error() string {
	return e.Msg
}

func clientErrorf(status int, format string, args ...any) *ClientError {
	return &ClientError{Status: status, Msg: fmt.Sprintf(format, args...)}
}

// IsClient reports whether err is (or wraps) a ClientError.
func IsClient(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

// AsClient extracts a ClientError from err, or nil.
func AsClient(err error) *ClientError {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
