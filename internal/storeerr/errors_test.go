package storeerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsConflict(t *testing.T) {
	err := NewConflict("ticket", "duplicate key")
	if !IsConflict(err) {
		t.Error("expected IsConflict to be true for a ConflictError")
	}
	if IsNotFound(err) || IsTransient(err) {
		t.Error("ConflictError must not also classify as NotFound or Transient")
	}

	wrapped := fmt.Errorf("create ticket: %w", err)
	if !IsConflict(wrapped) {
		t.Error("expected IsConflict to see through fmt.Errorf wrapping")
	}
}

func TestIsNotFound(t *testing.T) {
	err := NewNotFound("ticket", "abc123")
	if !IsNotFound(err) {
		t.Error("expected IsNotFound to be true for a NotFoundError")
	}
	if got := err.Error(); got != `ticket "abc123" not found` {
		t.Errorf("unexpected message: %q", got)
	}
}

func TestIsTransient(t *testing.T) {
	inner := errors.New("database is locked")
	err := &TransientStorageError{Op: "create_ticket", Err: inner}
	if !IsTransient(err) {
		t.Error("expected IsTransient to be true")
	}
	if !errors.Is(err, inner) {
		t.Error("expected TransientStorageError to unwrap to its cause")
	}
}

func TestWrap_ClassifiesByMessage(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		wantFn  func(error) bool
	}{
		{"unique constraint", errors.New("UNIQUE constraint failed: tickets.id"), IsConflict},
		{"sqlite busy", errors.New("SQLITE_BUSY: database is locked"), IsTransient},
		{"database locked", errors.New("database is locked"), IsTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Wrap("op", tc.err)
			if !tc.wantFn(got) {
				t.Errorf("Wrap(%v) = %v, did not classify as expected", tc.err, got)
			}
		})
	}
}

func TestWrap_PassesThroughUnrecognizedAndNil(t *testing.T) {
	if Wrap("op", nil) != nil {
		t.Error("expected Wrap(nil) to return nil")
	}
	plain := errors.New("some other failure")
	got := Wrap("op", plain)
	if got != plain {
		t.Errorf("expected unrecognized errors to pass through unchanged, got %v", got)
	}
}
