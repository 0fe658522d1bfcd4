package syncqueue

import (
	"errors"
	"fmt"

	"github.com/smith3v/flashsync/pkg/db"
)

var (
	ErrNoHandler       = errors.New("syncqueue: no handler for entity type and kind")
	ErrNotPending      = errors.New("syncqueue: operation is not pending")
	ErrUnknownStrategy = errors.New("syncqueue: unknown conflict strategy")
)

// RetryExhaustedError reports an operation that reached the retry ceiling and
// was marked failed. It is a queue health signal; the local change that
// produced the operation has already been committed.
type RetryExhaustedError struct {
	Op  db.SyncOperation
	Err error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("sync operation %d (%s %s %s) failed after %d attempts: %v",
		e.Op.ID, e.Op.Kind, e.Op.EntityType, e.Op.EntityID, e.Op.RetryCount, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }
