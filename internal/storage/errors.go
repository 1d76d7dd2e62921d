package storage

import (
	"errors"
	"fmt"
)

// Storage error categories.
var (
	ErrConnectionFailed = errors.New("storage: connection failed")
	ErrQueryFailed      = errors.New("storage: query failed")
	ErrNotFound         = errors.New("storage: not found")
	ErrInvalidData      = errors.New("storage: invalid data")
	ErrWriterClosed     = errors.New("storage: writer closed")
)

// StorageError wraps a storage failure with the operation and table.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports connection failures, which a redelivery may fix.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) || errors.Is(err, ErrQueryFailed)
}

// WrapConnectionError wraps err as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{Op: op, Err: fmt.Errorf("%w: %w", ErrConnectionFailed, err)}
}

// WrapQueryError wraps err as a query error.
func WrapQueryError(op, table string, err error) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: %w", ErrQueryFailed, err)}
}

// WrapNotFoundError reports a missing record.
func WrapNotFoundError(op, table, id string) error {
	return &StorageError{Op: op, Table: table, Err: fmt.Errorf("%w: id=%s", ErrNotFound, id)}
}
