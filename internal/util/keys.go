// Package util holds small, dependency-free helpers shared by cachekit's
// core and its reference tier/backplane implementations.
package util

import (
	"errors"
	"fmt"
	"strings"
)

// ReservedDelimiter is the byte sequence tier-local composite keys
// (CompositeIdentity) use to separate region from key; the backplane
// wire format length-prefixes its strings and does not use it. Item keys
// and regions must not contain it.
const ReservedDelimiter = "\x1f" // ASCII unit separator

// ErrReservedDelimiter is returned by ValidateKeyPart when a key or region
// contains ReservedDelimiter.
var ErrReservedDelimiter = errors.New("cachekit: key/region must not contain the reserved delimiter")

// ValidateKeyPart checks a key or region string against the invariant in
// spec.md §3: "key is non-empty and contains no reserved delimiter used by
// the backplane wire format". Region is allowed to be empty (absent);
// callers enforce key non-emptiness themselves.
func ValidateKeyPart(s string) error {
	if strings.Contains(s, ReservedDelimiter) {
		return fmt.Errorf("%w: %q", ErrReservedDelimiter, s)
	}
	return nil
}

// CompositeIdentity returns a single string uniquely identifying (region,
// key), suitable for use as a map key or dedup key. An empty region folds
// into the same namespace as "no region", matching the boundary rule that
// an empty region string is absent, not a distinct region named "".
func CompositeIdentity(region, key string) string {
	return region + ReservedDelimiter + key
}
