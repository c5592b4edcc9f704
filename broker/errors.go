package broker

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrNoConnectedServer means Features probed for a connected endpoint
// and found none.
var ErrNoConnectedServer = errors.New("broker: no connected server")

// ErrBackingStoreUnavailable means connect/retry exhausted without
// establishing a healthy connection. Callers (cachekit's Manager, or a
// Tier built on broker) map this to cachekit.KindBackingStoreUnavailable.
var ErrBackingStoreUnavailable = errors.New("broker: backing store unavailable")

// ErrIncompatiblePeer means the peer responded with an "unknown
// command" style error; never retried. Callers map this to
// cachekit.KindIncompatiblePeer.
var ErrIncompatiblePeer = errors.New("broker: incompatible peer")

// wrapUnavailable wraps cause as ErrBackingStoreUnavailable. It uses
// github.com/pkg/errors (the teacher's own indirect dependency, promoted
// here to a direct, visible use) to attach op to cause, and wraps both
// ErrBackingStoreUnavailable and that result with %w, so errors.Is and
// errors.As reach either one (pkg/errors values implement Unwrap() as of
// v0.9). The returned error has no Cause method, so pkgerrors.Cause
// returns it unchanged.
func wrapUnavailable(op string, cause error) error {
	wrapped := pkgerrors.Wrap(cause, op)
	return fmt.Errorf("%w: %w", ErrBackingStoreUnavailable, wrapped)
}
