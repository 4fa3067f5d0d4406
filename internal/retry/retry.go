// Package retry wraps cenkalti/backoff/v5 with the fixed 3-attempt,
// 100/400/1000ms schedule spec §4.6/§5 calls for on transient repository
// failures, replacing the teacher's hand-rolled `100ms * (1<<i)` loops
// (internal/container/ttl.go, internal/api/container.go) with a shared
// helper used by store, aiadapter, and translation alike.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Classifier reports whether an error is worth retrying.
type Classifier func(error) bool

// Do runs fn up to maxAttempts times using the given per-attempt delays,
// retrying only errors for which retryable returns true. The last error
// (retryable or not) is returned if every attempt fails.
func Do(ctx context.Context, delays []time.Duration, retryable Classifier, fn func() error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		attempt++
		return struct{}{}, err
	}, backoff.WithBackOff(&fixedSchedule{delays: delays}), backoff.WithMaxTries(uint(len(delays)+1)))
	return err
}

// fixedSchedule implements backoff.BackOff with the literal delay list
// spec §4.6 specifies (100ms, 400ms, 1000ms) instead of a computed curve.
type fixedSchedule struct {
	delays []time.Duration
	n      int
}

func (f *fixedSchedule) NextBackOff() time.Duration {
	if f.n >= len(f.delays) {
		return backoff.Stop
	}
	d := f.delays[f.n]
	f.n++
	return d
}

func (f *fixedSchedule) Reset() { f.n = 0 }

// StorageDelays is the spec §4.6 repository-retry schedule: 3 attempts
// at 100/400/1000ms.
func StorageDelays() []time.Duration {
	return []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1000 * time.Millisecond}
}
