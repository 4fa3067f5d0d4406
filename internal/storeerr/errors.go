// Package storeerr defines the typed error taxonomy returned by
// internal/store, generalizing the teacher's string-sniffing
// IsSQLite*Error helpers into wrapping, errors.Is-compatible values.
package storeerr

import (
	"errors"
	"fmt"
	"strings"
)

// ConflictError indicates a unique-constraint violation or a stale state
// transition (e.g. joining an already-CLOSED session).
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Reason)
}

// NotFoundError indicates a missing row.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// TransientStorageError indicates a connection/timeout/lock-contention
// class of failure that is worth retrying.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage error during %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

// NewConflict builds a ConflictError.
func NewConflict(resource, reason string) error {
	return &ConflictError{Resource: resource, Reason: reason}
}

// NewNotFound builds a NotFoundError.
func NewNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// IsTransient reports whether err is (or wraps) a TransientStorageError.
func IsTransient(err error) bool {
	var t *TransientStorageError
	return errors.As(err, &t)
}

// classifySQLiteErr maps a raw *sql driver error into the taxonomy above,
// the way the teacher's shared.IsSQLiteBusyError/IsSQLiteLockedError did,
// but returning a typed value instead of a bool for callers to branch on.
func classifySQLiteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return &ConflictError{Resource: op, Reason: msg}
	case strings.Contains(msg, "SQLITE_BUSY"), strings.Contains(msg, "database is locked"):
		return &TransientStorageError{Op: op, Err: err}
	default:
		return err
	}
}

// Wrap classifies a raw SQLite driver error for the given operation name.
func Wrap(op string, err error) error {
	return classifySQLiteErr(op, err)
}
