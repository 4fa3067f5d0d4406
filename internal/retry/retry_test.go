package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")
var errPermanent = errors.New("permanent")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	delays := []time.Duration{time.Millisecond, time.Millisecond}
	err := Do(context.Background(), delays, isTransient, func() error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestDo_StopsImmediatelyOnNonRetryableError(t *testing.T) {
	attempts := 0
	delays := []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	err := Do(context.Background(), delays, isTransient, func() error {
		attempts++
		return errPermanent
	})
	if !errors.Is(err, errPermanent) {
		t.Fatalf("expected the permanent error back, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestDo_ExhaustsAllAttemptsAndReturnsLastError(t *testing.T) {
	attempts := 0
	delays := []time.Duration{time.Millisecond, time.Millisecond}
	err := Do(context.Background(), delays, isTransient, func() error {
		attempts++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected the last transient error back, got %v", err)
	}
	if attempts != len(delays)+1 {
		t.Errorf("expected %d attempts, got %d", len(delays)+1, attempts)
	}
}

func TestStorageDelays(t *testing.T) {
	want := []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1000 * time.Millisecond}
	got := StorageDelays()
	if len(got) != len(want) {
		t.Fatalf("expected %d delays, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}
}
