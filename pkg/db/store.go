package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	ErrNotFound       = errors.New("db: record not found")
	ErrStaleOperation = errors.New("db: sync operation changed concurrently")
)

// StoreUnavailableError wraps any failure of the underlying database.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err came from a failing store.
func IsUnavailable(err error) bool {
	var target *StoreUnavailableError
	return errors.As(err, &target)
}

// Store is the item store used by the scheduler, the selection engine and the
// sync queue. All timestamps are written in UTC.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb, now: utcNow}
}

// WithClock returns a copy of the store that stamps rows with now.
func (s *Store) WithClock(now func() time.Time) *Store {
	clone := *s
	clone.now = func() time.Time { return now().UTC() }
	return &clone
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction runs fn against a store bound to a single database transaction.
// The transaction commits when fn returns nil.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	var fnErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fnErr = fn(&Store{db: tx, now: s.now})
		return fnErr
	})
	if err != nil && fnErr == nil {
		return unavailable("transaction", err)
	}
	return err
}

func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return &StoreUnavailableError{Op: op, Err: err}
}
