// Package bigcache adapts github.com/allegro/bigcache/v3 into a
// cachekit.Tier, grounded in cachekit's teacher's provider/bigcache.
// BigCache stores only raw bytes and has no native per-entry TTL, so
// this Tier serializes the whole StoredItem envelope (via
// tiers/envelope) and enforces spec.md §3 expiration itself on Get,
// treating BigCache's own LifeWindow as a coarse backstop eviction.
package bigcache

import (
	"context"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/go-cachekit/cachekit"
	"github.com/go-cachekit/cachekit/internal/util"
	"github.com/go-cachekit/cachekit/tiers/envelope"
)

// Config configures a Tier backed by a single bigcache.BigCache.
type Config struct {
	Name string

	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int

	DefaultExpirationMode    cachekit.ExpirationMode
	DefaultExpirationTimeout time.Duration

	IsBackplaneSource bool
}

// Tier is a cachekit.Tier backed by bigcache.
type Tier struct {
	name string
	c    *bc.BigCache
	cfg  Config

	stats cachekit.Stats

	mu          sync.Mutex
	regionIndex map[string]map[string]struct{}
}

var _ cachekit.Tier = (*Tier)(nil)

// New constructs a bigcache-backed Tier.
func New(cfg Config) (*Tier, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	return &Tier{
		name:        cfg.Name,
		c:           c,
		cfg:         cfg,
		regionIndex: make(map[string]map[string]struct{}),
	}, nil
}

func (t *Tier) Name() string            { return t.name }
func (t *Tier) IsBackplaneSource() bool { return t.cfg.IsBackplaneSource }
func (t *Tier) IsDistributed() bool     { return false }
func (t *Tier) Stats() *cachekit.Stats  { return &t.stats }

func (t *Tier) identity(key, region string) string { return util.CompositeIdentity(region, key) }

func (t *Tier) get(identity string) (cachekit.StoredItem, bool) {
	raw, err := t.c.Get(identity)
	if err == bc.ErrEntryNotFound {
		return cachekit.StoredItem{}, false
	}
	if err != nil {
		return cachekit.StoredItem{}, false
	}
	item, err := envelope.Decode(raw)
	if err != nil {
		_ = t.c.Delete(identity)
		return cachekit.StoredItem{}, false
	}
	if envelope.Expired(item, time.Now()) {
		_ = t.c.Delete(identity)
		t.forgetIndex(item.Region, identity)
		return cachekit.StoredItem{}, false
	}
	return item, true
}

func (t *Tier) set(item cachekit.StoredItem) error {
	item = envelope.ResolveDefault(item, t.cfg.DefaultExpirationMode, t.cfg.DefaultExpirationTimeout)
	raw, err := envelope.Encode(item)
	if err != nil {
		return cachekit.NewError(cachekit.KindSerializationError, "bigcache.set", err)
	}
	identity := t.identity(item.Key, item.Region)
	if err := t.c.Set(identity, raw); err != nil {
		return err
	}
	t.rememberIndex(item.Region, identity)
	return nil
}

func (t *Tier) rememberIndex(region, identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.regionIndex[region]
	if !ok {
		m = make(map[string]struct{})
		t.regionIndex[region] = m
	}
	m[identity] = struct{}{}
}

func (t *Tier) forgetIndex(region, identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.regionIndex[region]; ok {
		delete(m, identity)
	}
}

func (t *Tier) Add(ctx context.Context, item cachekit.StoredItem) (bool, error) {
	t.stats.AddCalls.Add(1)
	identity := t.identity(item.Key, item.Region)
	if _, ok := t.get(identity); ok {
		return false, nil
	}
	if err := t.set(item); err != nil {
		return false, err
	}
	t.stats.Items.Add(1)
	return true, nil
}

func (t *Tier) Put(ctx context.Context, item cachekit.StoredItem) error {
	t.stats.PutCalls.Add(1)
	identity := t.identity(item.Key, item.Region)
	_, existed := t.get(identity)
	if err := t.set(item); err != nil {
		return err
	}
	if !existed {
		t.stats.Items.Add(1)
	}
	return nil
}

func (t *Tier) Get(ctx context.Context, key, region string) (cachekit.StoredItem, bool, error) {
	item, ok := t.get(t.identity(key, region))
	if !ok {
		t.stats.Misses.Add(1)
		return cachekit.StoredItem{}, false, nil
	}
	t.stats.Hits.Add(1)
	return item, true, nil
}

func (t *Tier) Exists(ctx context.Context, key, region string) (bool, error) {
	_, ok := t.get(t.identity(key, region))
	return ok, nil
}

func (t *Tier) Remove(ctx context.Context, key, region string) (bool, error) {
	t.stats.RemoveCalls.Add(1)
	identity := t.identity(key, region)
	if _, ok := t.get(identity); !ok {
		return false, nil
	}
	_ = t.c.Delete(identity)
	t.forgetIndex(region, identity)
	t.stats.Items.Add(-1)
	return true, nil
}

// Update performs a read-modify-write under a tier-wide mutex; BigCache
// has no native CAS, so convergence is guaranteed by the lock and
// maxRetries is accepted only for interface conformance.
func (t *Tier) Update(ctx context.Context, key, region string, factory cachekit.UpdateFactory, maxRetries int) (bool, cachekit.StoredItem, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	identity := t.identity(key, region)
	current, exists := t.get(identity)
	next, ok, err := factory(current, exists)
	if err != nil {
		return false, cachekit.StoredItem{}, err
	}
	if !ok {
		return false, cachekit.StoredItem{}, nil
	}
	next = envelope.ResolveDefault(next, t.cfg.DefaultExpirationMode, t.cfg.DefaultExpirationTimeout)
	raw, err := envelope.Encode(next)
	if err != nil {
		return false, cachekit.StoredItem{}, err
	}
	if err := t.c.Set(identity, raw); err != nil {
		return false, cachekit.StoredItem{}, err
	}
	m, okIdx := t.regionIndex[region]
	if !okIdx {
		m = make(map[string]struct{})
		t.regionIndex[region] = m
	}
	m[identity] = struct{}{}
	if !exists {
		t.stats.Items.Add(1)
	}
	return true, next, nil
}

func (t *Tier) Clear(ctx context.Context) error {
	t.stats.ClearCalls.Add(1)
	if err := t.c.Reset(); err != nil {
		return err
	}
	t.mu.Lock()
	t.regionIndex = make(map[string]map[string]struct{})
	t.mu.Unlock()
	t.stats.Items.Store(0)
	return nil
}

func (t *Tier) ClearRegion(ctx context.Context, region string) error {
	t.stats.ClearRegionCalls.Add(1)
	t.mu.Lock()
	identities := t.regionIndex[region]
	delete(t.regionIndex, region)
	t.mu.Unlock()

	for id := range identities {
		_ = t.c.Delete(id)
		t.stats.Items.Add(-1)
	}
	return nil
}

// Close releases bigcache's background cleanup goroutine.
func (t *Tier) Close() error {
	return t.c.Close()
}
