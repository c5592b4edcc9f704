// Package memcache adapts github.com/bradfitz/gomemcache into a
// distributed cachekit.Tier, grounded in microcosm-collective's direct
// use of gomemcache. Memcache multiplexes several servers internally
// (unlike the single-endpoint Redis tier), so this Tier owns its
// *memcache.Client directly rather than going through a
// broker.Supervisor connection.
package memcache

import (
	"context"
	"errors"
	"time"

	gomemcache "github.com/bradfitz/gomemcache/memcache"

	"github.com/go-cachekit/cachekit"
	"github.com/go-cachekit/cachekit/internal/util"
	"github.com/go-cachekit/cachekit/tiers/envelope"
)

// Config configures a Tier backed by one or more memcache servers.
type Config struct {
	Name    string
	Servers []string // host:port, as accepted by memcache.New

	// RegionIndexTTL bounds how long a region's member-key index entry
	// survives; memcache has no native set type, so the index is
	// itself a memcache-stored, envelope-free, newline-joined key list
	// subject to the same eviction pressure as any other entry.
	RegionIndexTTL time.Duration

	DefaultExpirationMode    cachekit.ExpirationMode
	DefaultExpirationTimeout time.Duration

	IsBackplaneSource bool
}

// Tier is a cachekit.Tier backed by Memcache.
type Tier struct {
	name string
	c    *gomemcache.Client
	cfg  Config

	stats cachekit.Stats
}

var _ cachekit.Tier = (*Tier)(nil)

// New constructs a Memcache-backed Tier.
func New(cfg Config) (*Tier, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("memcache tier: at least one server is required")
	}
	if cfg.RegionIndexTTL <= 0 {
		cfg.RegionIndexTTL = 24 * time.Hour
	}
	c := gomemcache.New(cfg.Servers...)
	return &Tier{name: cfg.Name, c: c, cfg: cfg}, nil
}

func (t *Tier) Name() string            { return t.name }
func (t *Tier) IsBackplaneSource() bool { return t.cfg.IsBackplaneSource }
func (t *Tier) IsDistributed() bool     { return true }
func (t *Tier) Stats() *cachekit.Stats  { return &t.stats }

func (t *Tier) itemKey(key, region string) string {
	return "cachekit:item:" + util.CompositeIdentity(region, key)
}

func (t *Tier) regionIndexKey(region string) string {
	return "cachekit:region:" + region
}

func expSeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	return int32(d / time.Second)
}

func (t *Tier) get(key, region string) (cachekit.StoredItem, bool, error) {
	it, err := t.c.Get(t.itemKey(key, region))
	if errors.Is(err, gomemcache.ErrCacheMiss) {
		return cachekit.StoredItem{}, false, nil
	}
	if err != nil {
		return cachekit.StoredItem{}, false, err
	}
	item, err := envelope.Decode(it.Value)
	if err != nil {
		return cachekit.StoredItem{}, false, cachekit.NewError(cachekit.KindSerializationError, "memcache.get", err)
	}
	if envelope.Expired(item, time.Now()) {
		_ = t.c.Delete(t.itemKey(key, region))
		return cachekit.StoredItem{}, false, nil
	}
	return item, true, nil
}

func (t *Tier) addToRegionIndex(region, key string) {
	idxKey := t.regionIndexKey(region)
	existing, err := t.c.Get(idxKey)
	var body []byte
	if err == nil {
		body = existing.Value
	}
	line := key + "\n"
	for _, existingLine := range splitLines(body) {
		if existingLine == key {
			return // already indexed
		}
	}
	body = append(body, line...)
	_ = t.c.Set(&gomemcache.Item{Key: idxKey, Value: body, Expiration: expSeconds(t.cfg.RegionIndexTTL)})
}

func splitLines(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == '\n' {
			out = append(out, string(b[start:i]))
			start = i + 1
		}
	}
	return out
}

func (t *Tier) ttlFor(item cachekit.StoredItem) int32 {
	switch item.ExpirationMode {
	case cachekit.ExpirationAbsolute, cachekit.ExpirationSliding:
		return expSeconds(time.Duration(item.ExpirationTimeout))
	default:
		return 0
	}
}

func (t *Tier) Add(ctx context.Context, item cachekit.StoredItem) (bool, error) {
	t.stats.AddCalls.Add(1)
	item = envelope.ResolveDefault(item, t.cfg.DefaultExpirationMode, t.cfg.DefaultExpirationTimeout)
	raw, err := envelope.Encode(item)
	if err != nil {
		return false, cachekit.NewError(cachekit.KindSerializationError, "memcache.add", err)
	}
	err = t.c.Add(&gomemcache.Item{
		Key:        t.itemKey(item.Key, item.Region),
		Value:      raw,
		Expiration: t.ttlFor(item),
	})
	if errors.Is(err, gomemcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.addToRegionIndex(item.Region, t.itemKey(item.Key, item.Region))
	t.stats.Items.Add(1)
	return true, nil
}

func (t *Tier) Put(ctx context.Context, item cachekit.StoredItem) error {
	t.stats.PutCalls.Add(1)
	item = envelope.ResolveDefault(item, t.cfg.DefaultExpirationMode, t.cfg.DefaultExpirationTimeout)
	raw, err := envelope.Encode(item)
	if err != nil {
		return cachekit.NewError(cachekit.KindSerializationError, "memcache.put", err)
	}
	if err := t.c.Set(&gomemcache.Item{
		Key:        t.itemKey(item.Key, item.Region),
		Value:      raw,
		Expiration: t.ttlFor(item),
	}); err != nil {
		return err
	}
	t.addToRegionIndex(item.Region, t.itemKey(item.Key, item.Region))
	return nil
}

func (t *Tier) Get(ctx context.Context, key, region string) (cachekit.StoredItem, bool, error) {
	item, ok, err := t.get(key, region)
	if err != nil {
		return cachekit.StoredItem{}, false, err
	}
	if !ok {
		t.stats.Misses.Add(1)
		return cachekit.StoredItem{}, false, nil
	}
	t.stats.Hits.Add(1)
	return item, true, nil
}

func (t *Tier) Exists(ctx context.Context, key, region string) (bool, error) {
	_, ok, err := t.get(key, region)
	return ok, err
}

func (t *Tier) Remove(ctx context.Context, key, region string) (bool, error) {
	t.stats.RemoveCalls.Add(1)
	err := t.c.Delete(t.itemKey(key, region))
	if errors.Is(err, gomemcache.ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	t.stats.Items.Add(-1)
	return true, nil
}

// Update performs a read-modify-write using memcache's CAS primitive
// (gets, mutates, CompareAndSwap), retrying up to maxRetries times on
// an ErrCASConflict before reporting conflict exhaustion.
func (t *Tier) Update(ctx context.Context, key, region string, factory cachekit.UpdateFactory, maxRetries int) (bool, cachekit.StoredItem, error) {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	itemKey := t.itemKey(key, region)

	for attempt := 0; attempt < maxRetries; attempt++ {
		it, getErr := t.c.Get(itemKey)
		var current cachekit.StoredItem
		exists := false
		var casID uint64
		switch {
		case errors.Is(getErr, gomemcache.ErrCacheMiss):
			exists = false
		case getErr != nil:
			return false, cachekit.StoredItem{}, getErr
		default:
			decoded, decErr := envelope.Decode(it.Value)
			if decErr != nil {
				return false, cachekit.StoredItem{}, cachekit.NewError(cachekit.KindSerializationError, "memcache.update", decErr)
			}
			if envelope.Expired(decoded, time.Now()) {
				exists = false
			} else {
				current = decoded
				exists = true
				casID = it.CasID
			}
		}

		next, ok, err := factory(current, exists)
		if err != nil {
			return false, cachekit.StoredItem{}, err
		}
		if !ok {
			return false, cachekit.StoredItem{}, nil
		}
		next = envelope.ResolveDefault(next, t.cfg.DefaultExpirationMode, t.cfg.DefaultExpirationTimeout)
		raw, encErr := envelope.Encode(next)
		if encErr != nil {
			return false, cachekit.StoredItem{}, encErr
		}

		newItem := &gomemcache.Item{Key: itemKey, Value: raw, Expiration: t.ttlFor(next)}
		var casErr error
		if exists {
			newItem.CasID = casID
			casErr = t.c.CompareAndSwap(newItem)
		} else {
			casErr = t.c.Add(newItem)
		}

		switch {
		case casErr == nil:
			t.addToRegionIndex(region, itemKey)
			if !exists {
				t.stats.Items.Add(1)
			}
			return true, next, nil
		case errors.Is(casErr, gomemcache.ErrCASConflict), errors.Is(casErr, gomemcache.ErrNotStored):
			continue // lost the race; retry
		default:
			return false, cachekit.StoredItem{}, casErr
		}
	}
	return false, cachekit.StoredItem{}, nil // conflict exhaustion
}

// Clear calls the client's FlushAll, which empties every configured
// memcache server, including keys this Tier did not write. Memcache has
// no native enumeration or flush-by-prefix.
func (t *Tier) Clear(ctx context.Context) error {
	t.stats.ClearCalls.Add(1)
	return t.c.FlushAll()
}

func (t *Tier) ClearRegion(ctx context.Context, region string) error {
	t.stats.ClearRegionCalls.Add(1)
	idxKey := t.regionIndexKey(region)
	idx, err := t.c.Get(idxKey)
	if errors.Is(err, gomemcache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, k := range splitLines(idx.Value) {
		if k == "" {
			continue
		}
		if derr := t.c.Delete(k); derr != nil && !errors.Is(derr, gomemcache.ErrCacheMiss) {
			return derr
		}
		t.stats.Items.Add(-1)
	}
	return t.c.Delete(idxKey)
}
