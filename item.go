package cachekit

import (
	"fmt"
	"time"

	"github.com/go-cachekit/cachekit/internal/util"
)

func validateKey(s string) error { return util.ValidateKeyPart(s) }

// ExpirationMode controls how a tier should expire an item.
type ExpirationMode int

const (
	// ExpirationNone means the item never expires on its own.
	ExpirationNone ExpirationMode = iota
	// ExpirationAbsolute expires the item ExpirationTimeout after CreatedUtc.
	ExpirationAbsolute
	// ExpirationSliding expires the item ExpirationTimeout after the last
	// access, refreshing on every successful read.
	ExpirationSliding
	// ExpirationDefault means "inherit whatever the tier's own defaults
	// are" rather than specifying a mode explicitly.
	ExpirationDefault
)

func (m ExpirationMode) String() string {
	switch m {
	case ExpirationNone:
		return "none"
	case ExpirationAbsolute:
		return "absolute"
	case ExpirationSliding:
		return "sliding"
	case ExpirationDefault:
		return "default"
	default:
		return "unknown"
	}
}

// Item is the unit exchanged between caller, Manager, and tiers.
//
// (Region, Key) forms the logical identity of an item; an empty Region
// means no region, a namespace of its own distinct from every named
// region. Value carries the caller's
// typed payload; Manager encodes it with the configured Codec before it
// reaches a Tier and decodes it on the way back out.
type Item[V any] struct {
	Key    string
	Region string // "" means "no region"; never a distinct region named ""

	Value V

	// ValueType is a descriptor sufficient to reconstruct a typed value
	// after deserialization. Manager populates it from V's type at
	// construction time; tiers persist it alongside the payload.
	ValueType string

	ExpirationMode         ExpirationMode
	ExpirationTimeout      time.Duration
	UsesExpirationDefaults bool

	CreatedUtc      time.Time
	LastAccessedUtc time.Time
}

// Validate checks the invariants spec.md §3 places on an Item, independent
// of any particular tier's own constraints.
func (it Item[V]) Validate() error {
	if it.Key == "" {
		return newErr(KindArgumentInvalid, "item", ErrEmptyKey)
	}
	if err := validateKey(it.Key); err != nil {
		return newErr(KindArgumentInvalid, "item", err)
	}
	if it.ExpirationMode != ExpirationNone && it.ExpirationMode != ExpirationDefault && it.ExpirationTimeout <= 0 {
		return newErr(KindArgumentInvalid, "item", fmt.Errorf("%w: expirationTimeout must be > 0 for mode %s", ErrInvalidExpiration, it.ExpirationMode))
	}
	if it.LastAccessedUtc.Before(it.CreatedUtc) {
		return newErr(KindArgumentInvalid, "item", ErrLastAccessedBeforeCreated)
	}
	return nil
}

// newItem constructs an Item with CreatedUtc/LastAccessedUtc stamped to now.
func newItem[V any](key, region string, value V) Item[V] {
	now := time.Now().UTC()
	return Item[V]{
		Key:                    key,
		Region:                 region,
		Value:                  value,
		ExpirationMode:         ExpirationDefault,
		UsesExpirationDefaults: true,
		CreatedUtc:             now,
		LastAccessedUtc:        now,
	}
}
