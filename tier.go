package cachekit

import "context"

// StoredItem is the byte-level envelope a Tier persists. Manager encodes an
// Item[V]'s Value through the configured Codec to produce Payload before
// calling into a tier, and decodes Payload back into V on the way out.
// Concrete tiers never see V; this is the "consumed as a byte-encoding
// contract" boundary spec.md §1 draws around concrete tier implementations.
type StoredItem struct {
	Key    string
	Region string

	Payload   []byte
	ValueType string

	ExpirationMode         ExpirationMode
	ExpirationTimeout      int64 // nanoseconds; avoids importing time in wire-adjacent code
	UsesExpirationDefaults bool

	CreatedUtc      int64 // unix nanos UTC
	LastAccessedUtc int64
}

// UpdateFactory computes a new StoredItem from the current one. exists is
// false when no item is currently stored for (region,key); factory may
// still choose to produce a value (an upsert-style update) or return
// ok=false to abort without writing.
type UpdateFactory func(current StoredItem, exists bool) (next StoredItem, ok bool, err error)

// Tier is the contract a cache handle must satisfy. One tier is owned by
// exactly one Manager. Implementations must be safe for concurrent use and
// must not assume the Manager serializes calls to the same (region,key).
//
// Expiration: a tier must evaluate expiration on Get and either return
// absent or eagerly purge; Get must not itself mutate LastAccessedUtc —
// the Manager does that on a successful read.
type Tier interface {
	// Name is unique within one Manager.
	Name() string
	// IsBackplaneSource reports whether this tier is the backplane's
	// designated source (by convention the bottommost/authoritative
	// tier). Backplane echoes never mutate a source tier.
	IsBackplaneSource() bool
	// IsDistributed reports whether this tier is shared across
	// processes (e.g. a Redis/Memcache-backed tier) as opposed to
	// process-local memory.
	IsDistributed() bool
	// Stats returns this tier's counters. Never nil.
	Stats() *Stats

	// Add succeeds only if no live item exists for (region,key).
	Add(ctx context.Context, item StoredItem) (bool, error)
	// Put unconditionally inserts or overwrites.
	Put(ctx context.Context, item StoredItem) error
	// Get returns the stored item, or ok=false on miss/expiry.
	Get(ctx context.Context, key, region string) (item StoredItem, ok bool, err error)
	// Remove returns true iff an item was removed.
	Remove(ctx context.Context, key, region string) (bool, error)
	// Exists reports whether a live item is stored for (region,key).
	Exists(ctx context.Context, key, region string) (bool, error)
	// Update performs a read-modify-write, retrying internally against
	// the tier's own concurrency primitives up to maxRetries times on a
	// detected concurrent collision. If retries are exhausted without
	// converging, it returns ok=false, err=nil (the caller maps this to
	// KindUpdateConflictExhausted).
	Update(ctx context.Context, key, region string, factory UpdateFactory, maxRetries int) (ok bool, item StoredItem, err error)
	// Clear removes every item in the tier.
	Clear(ctx context.Context) error
	// ClearRegion removes every item in one region.
	ClearRegion(ctx context.Context, region string) error
}
