package async

import (
	"errors"
	"fmt"
)

// BackendError wraps a failure reported by a storage backend or a remote
// endpoint, keeping the originating error reachable through errors.Is/As.
type BackendError struct {
	// Op is the operation that failed, e.g. "persist" or "modify".
	Op string
	// Message is a human readable description of what was attempted.
	Message string
	// Err is the originating backend error.
	Err error
}

func (e *BackendError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Wrap returns a *BackendError for err, or nil when err is nil. An error that
// already is a *BackendError is returned unchanged.
func Wrap(op, msg string, err error) error {
	if err == nil {
		return nil
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Op: op, Message: msg, Err: err}
}
