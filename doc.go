// Package cachekit composes an ordered stack of cache tiers (handles) into
// one logical, multi-tier cache with write-through, read-through,
// statistics, and cross-process invalidation via a publish/subscribe
// "backplane".
//
// Components:
//   - Tier: the contract a cache layer must satisfy (add/put/get/remove/
//     exists/update/clear/clearRegion). Concrete tiers (in-memory,
//     distributed) live under tiers/ and are consumed only through this
//     interface.
//   - Codec[V]: (de)serializes a caller's value type V <-> []byte before it
//     crosses into a tier.
//   - Manager[V]: orchestrates the tier list for a single logical cache and
//     wires an optional Backplane for cross-process coherence.
//
// The bottommost tier (index len(tiers)-1) is treated as authoritative:
// Add and Update operate against it first, and upper tiers are populated
// on read (promotion) or invalidated on write (eviction from other
// handles). At most one tier should set IsBackplaneSource(); by
// convention it is the bottommost.
//
// Ordering guarantees:
//
//	Put(k, v) followed by Get(k) on the SAME Manager always observes v:
//	Put writes every tier before returning. Across Managers sharing a
//	backplane, coherence is eventual — a remote Put becomes visible only
//	after its backplane frame is delivered and processed.
package cachekit
