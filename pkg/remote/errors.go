package remote

import (
	"encoding/json"
	"fmt"
)

// RejectedError means the authority did not accept an operation. It is
// retried by the sync queue.
type RejectedError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RejectedError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("remote rejected: %v", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("remote rejected (status %d): %v", e.StatusCode, e.Err)
	case e.Body != "":
		return fmt.Sprintf("remote rejected (status %d): %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("remote rejected (status %d)", e.StatusCode)
	}
}

func (e *RejectedError) Unwrap() error { return e.Err }

// ConflictError means the authority holds a different version of the entity.
// Remote carries the authority's copy when it sent one.
type ConflictError struct {
	StatusCode int
	Remote     json.RawMessage
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote conflict (status %d)", e.StatusCode)
}
