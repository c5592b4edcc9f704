// Package envelope holds the byte-level encoding and expiration logic
// shared by every concrete cachekit.Tier implementation: how a
// cachekit.StoredItem is serialized for a store that only understands
// raw bytes (bigcache, Redis, Memcache), and how expiration is
// evaluated against it. Ristretto, which stores arbitrary values
// in-process, skips the byte encoding but still uses Expired.
package envelope

import (
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/go-cachekit/cachekit"
)

// Encode serializes a StoredItem to bytes using CBOR, grounded in
// cachekit's teacher's own use of fxamacker/cbor/v2 as one of its
// Codec[V] implementations — reused here at the tier-envelope layer
// rather than the caller-value layer.
func Encode(item cachekit.StoredItem) ([]byte, error) {
	return cbor.Marshal(item)
}

// Decode parses bytes produced by Encode back into a StoredItem.
func Decode(b []byte) (cachekit.StoredItem, error) {
	var item cachekit.StoredItem
	if err := cbor.Unmarshal(b, &item); err != nil {
		return cachekit.StoredItem{}, err
	}
	return item, nil
}

// Expired reports whether item has expired as of now, per spec.md §3's
// ExpirationMode semantics:
//   - None: never expires.
//   - Absolute: expires ExpirationTimeout after CreatedUtc.
//   - Sliding: expires ExpirationTimeout after LastAccessedUtc.
//   - Default: treated as None at the envelope layer; a tier resolves
//     Default to a concrete mode before storing (see ResolveDefault).
func Expired(item cachekit.StoredItem, now time.Time) bool {
	switch item.ExpirationMode {
	case cachekit.ExpirationAbsolute:
		deadline := time.Unix(0, item.CreatedUtc).Add(time.Duration(item.ExpirationTimeout))
		return !now.Before(deadline)
	case cachekit.ExpirationSliding:
		deadline := time.Unix(0, item.LastAccessedUtc).Add(time.Duration(item.ExpirationTimeout))
		return !now.Before(deadline)
	default:
		return false
	}
}

// ResolveDefault rewrites an item whose ExpirationMode is
// cachekit.ExpirationDefault into a concrete mode/timeout, using a
// tier's configured defaults. Items with any other mode pass through
// unchanged.
func ResolveDefault(item cachekit.StoredItem, defaultMode cachekit.ExpirationMode, defaultTimeout time.Duration) cachekit.StoredItem {
	if item.ExpirationMode != cachekit.ExpirationDefault {
		return item
	}
	item.ExpirationMode = defaultMode
	if item.ExpirationTimeout <= 0 {
		item.ExpirationTimeout = int64(defaultTimeout)
	}
	return item
}
