// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

// Package retry provides a bounded retry primitive with linear backoff for
// transient store write conflicts. It replaces ad hoc sleep loops at call
// sites with a single explicit policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Permanent wraps an error to stop retrying immediately. Use it inside the
// retried function for faults that more attempts cannot fix (record not
// found, invariant violations).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Policy describes a bounded linear-backoff retry loop. The n-th failed
// attempt sleeps n*Backoff before the next try.
type Policy struct {
	// Attempts is the maximum number of tries. Values below 1 mean one try.
	Attempts int

	// Backoff is the base delay; it grows linearly per attempt.
	Backoff time.Duration
}

// Do runs fn up to p.Attempts times. It stops early on success, on a
// Permanent error, or when the context is done. The last error is returned
// wrapped with the attempt count after retries exhaust.
func Do(ctx context.Context, p Policy, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(time.Duration(attempt) * p.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}
