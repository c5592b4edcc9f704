package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
)

// unknownCommandMarker is the never-retry signal: a peer that doesn't
// understand a command sent to it is incompatible, not transiently
// unavailable, per spec.md §4.2.
const unknownCommandMarker = "unknown command"

const (
	defaultInitialInterval = 50 * time.Millisecond
	defaultMaxInterval     = 5 * time.Second
)

// TransientError marks an error as a recognized transient fault
// (server-side transient, connection error, timeout). Dialers/Conns
// should wrap such errors so Retry can recognize and retry them; any
// error NOT wrapped this way is treated as non-transient and propagated
// immediately.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsIncompatiblePeer reports whether err (or any error in an aggregate)
// carries the "unknown command" marker spec.md §4.2 calls out as never
// retried.
func IsIncompatiblePeer(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), unknownCommandMarker)
}

// isTransient classifies a single (non-aggregate) error.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsIncompatiblePeer(err) {
		return false
	}
	var te *TransientError
	return errors.As(err, &te)
}

// classify destructures aggregate/multi-error conditions (as produced by
// hashicorp/go-multierror, grounded in ipni-go-libipni's direct
// dependency) per spec.md §4.2: "inner transient errors are retried;
// non-transient inner errors terminate immediately". A plain error is
// classified directly.
func classify(err error) (transient bool, terminal error) {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, inner := range merr.Errors {
			if IsIncompatiblePeer(inner) {
				return false, inner
			}
			if !isTransient(inner) {
				return false, inner
			}
		}
		return true, nil
	}
	if IsIncompatiblePeer(err) {
		return false, err
	}
	if isTransient(err) {
		return true, nil
	}
	return false, err
}

// Retry executes op, retrying on recognized transient errors with
// exponential backoff up to maxAttempts total attempts. Unrecognized
// (non-transient) errors propagate immediately; on exhaustion the last
// error is returned wrapped as ErrBackingStoreUnavailable. An
// IncompatiblePeer error is never retried regardless of attempts
// remaining.
func Retry(ctx context.Context, op func(ctx context.Context) error, initialBackoff backoff.BackOff, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	bo := backoff.WithContext(initialBackoff, ctx)
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		transient, terminal := classify(err)
		if !transient {
			if IsIncompatiblePeer(terminal) {
				return fmt.Errorf("%w: %v", ErrIncompatiblePeer, terminal)
			}
			return terminal
		}
		if attempt == maxAttempts {
			break
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return wrapUnavailable("retry exhausted", lastErr)
}

// DefaultBackoff returns a backoff.BackOff suitable for most broker
// operations: exponential with jitter, capped.
func DefaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialInterval
	b.MaxInterval = defaultMaxInterval
	b.MaxElapsedTime = 0 // Retry's maxAttempts governs termination, not elapsed time
	return b
}
