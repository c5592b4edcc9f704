package cachekit

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/go-cachekit/cachekit/backplane"
	"github.com/go-cachekit/cachekit/codec"
	"github.com/go-cachekit/cachekit/observer"
)

// loggerAdapter bridges a cachekit.Logger (Fields-typed) to the plain
// map[string]any-typed Logger interfaces backplane, observer, and
// broker each declare independently (to stay free of a dependency on
// this root package). One adapter value satisfies all three.
type loggerAdapter struct{ l Logger }

func (a loggerAdapter) Debug(msg string, f map[string]any) { a.l.Debug(msg, Fields(f)) }
func (a loggerAdapter) Warn(msg string, f map[string]any)  { a.l.Warn(msg, Fields(f)) }
func (a loggerAdapter) Error(msg string, f map[string]any) { a.l.Error(msg, Fields(f)) }

// Manager composes an ordered Tier list (and, optionally, a Backplane)
// into one logical multi-tier cache, per spec.md §4.4.
type Manager[V any] struct {
	tiers []Tier
	codec codec.Codec[V]
	log   Logger
	obs   *observer.Set
	bp    *backplane.Backplane

	defaultExpirationMode    ExpirationMode
	defaultExpirationTimeout time.Duration
	maxUpdateRetries         int

	closed atomic.Bool
}

// New constructs a Manager from opts.
func New[V any](opts Options[V]) (*Manager[V], error) {
	if len(opts.Tiers) == 0 {
		return nil, newErr(KindArgumentInvalid, "New", ErrNoTiers)
	}
	if opts.Codec == nil {
		return nil, newErr(KindArgumentInvalid, "New", fmt.Errorf("codec is required"))
	}
	seenNames := make(map[string]struct{}, len(opts.Tiers))
	sourceSeen := false
	for _, t := range opts.Tiers {
		if _, dup := seenNames[t.Name()]; dup {
			return nil, newErr(KindArgumentInvalid, "New", ErrDuplicateTierName)
		}
		seenNames[t.Name()] = struct{}{}
		if t.IsBackplaneSource() {
			if sourceSeen {
				return nil, newErr(KindArgumentInvalid, "New", ErrMultipleBackplaneSources)
			}
			sourceSeen = true
		}
	}

	log := coalesce[Logger](opts.Logger, NopLogger{})
	maxRetries := opts.MaxUpdateRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	m := &Manager[V]{
		tiers:                    append([]Tier(nil), opts.Tiers...),
		codec:                    opts.Codec,
		log:                      log,
		obs:                      observer.NewSet(loggerAdapter{l: log}, opts.Observers...),
		defaultExpirationMode:    opts.DefaultExpirationMode,
		defaultExpirationTimeout: opts.DefaultExpirationTimeout,
		maxUpdateRetries:         maxRetries,
	}

	if opts.Backplane != nil {
		bpOpts := *opts.Backplane
		bpOpts.Logger = loggerAdapter{l: log}
		bpOpts.InboundHandler = backplane.Handlers{
			OnChanged:     func(key, region string, _ backplane.ChangeAction) { m.invalidateNonSource(key, region) },
			OnRemoved:     func(key, region string) { m.invalidateNonSource(key, region) },
			OnCleared:     m.clearNonSource,
			OnClearRegion: m.clearRegionNonSource,
		}
		m.bp = backplane.New(bpOpts)
	}

	return m, nil
}

func valueTypeName[V any]() string {
	var zero V
	return fmt.Sprintf("%T", zero)
}

func (m *Manager[V]) checkOpen(op string) error {
	if m.closed.Load() {
		return newErr(KindAlreadyDisposed, op, ErrDisposed)
	}
	return nil
}

func (m *Manager[V]) encode(it Item[V]) (StoredItem, error) {
	payload, err := m.codec.Encode(it.Value)
	if err != nil {
		return StoredItem{}, newErr(KindSerializationError, "encode", err)
	}
	valueType := it.ValueType
	if valueType == "" {
		valueType = valueTypeName[V]()
	}
	return StoredItem{
		Key:                    it.Key,
		Region:                 it.Region,
		Payload:                payload,
		ValueType:              valueType,
		ExpirationMode:         it.ExpirationMode,
		ExpirationTimeout:      int64(it.ExpirationTimeout),
		UsesExpirationDefaults: it.UsesExpirationDefaults,
		CreatedUtc:             it.CreatedUtc.UnixNano(),
		LastAccessedUtc:        it.LastAccessedUtc.UnixNano(),
	}, nil
}

func (m *Manager[V]) decode(si StoredItem) (Item[V], error) {
	v, err := m.codec.Decode(si.Payload)
	if err != nil {
		return Item[V]{}, newErr(KindSerializationError, "decode", err)
	}
	return Item[V]{
		Key:                    si.Key,
		Region:                 si.Region,
		Value:                  v,
		ValueType:              si.ValueType,
		ExpirationMode:         si.ExpirationMode,
		ExpirationTimeout:      time.Duration(si.ExpirationTimeout),
		UsesExpirationDefaults: si.UsesExpirationDefaults,
		CreatedUtc:             time.Unix(0, si.CreatedUtc).UTC(),
		LastAccessedUtc:        time.Unix(0, si.LastAccessedUtc).UTC(),
	}, nil
}

// NewItem builds an Item[V] with CreatedUtc/LastAccessedUtc stamped to
// now and ExpirationMode set to ExpirationDefault; callers override
// fields before passing it to Add/Put for non-default expiration.
func NewItem[V any](key, region string, value V) Item[V] {
	it := newItem(key, region, value)
	it.ValueType = valueTypeName[V]()
	return it
}

// Add performs write-once semantics against the bottommost
// (authoritative) tier, evicting stale copies from every other tier on
// success, per spec.md §4.4.
func (m *Manager[V]) Add(ctx context.Context, item Item[V]) (bool, error) {
	if err := m.checkOpen("Add"); err != nil {
		return false, err
	}
	if err := item.Validate(); err != nil {
		return false, err
	}
	stored, err := m.encode(item)
	if err != nil {
		return false, err
	}

	bottom := m.tiers[len(m.tiers)-1]
	ok, err := bottom.Add(ctx, stored)
	if err != nil {
		return false, err
	}
	if ok {
		for _, t := range m.tiers[:len(m.tiers)-1] {
			_, _ = t.Remove(ctx, item.Key, item.Region)
		}
		if m.bp != nil {
			m.bp.NotifyChange(item.Key, item.Region, backplane.ChangeAdd)
		}
	}
	m.obs.FireAdd(observer.Event{Key: item.Key, Region: item.Region, Action: observer.ActionAdd, Success: ok})
	return ok, nil
}

// Put writes item through every tier in order, publishes a Changed(Put)
// message if a backplane is configured, and fires OnPut.
func (m *Manager[V]) Put(ctx context.Context, item Item[V]) error {
	if err := m.checkOpen("Put"); err != nil {
		return err
	}
	if err := item.Validate(); err != nil {
		return err
	}
	stored, err := m.encode(item)
	if err != nil {
		return err
	}

	for _, t := range m.tiers {
		if err := t.Put(ctx, stored); err != nil {
			return err
		}
	}
	if m.bp != nil {
		m.bp.NotifyChange(item.Key, item.Region, backplane.ChangePut)
	}
	m.obs.FirePut(observer.Event{Key: item.Key, Region: item.Region, Action: observer.ActionPut, Success: true})
	return nil
}

// Get reads top-down with promotion: the first hit is promoted into
// every tier above it (stopping early if one of those signals it is
// the backplane source), per spec.md §4.4. A miss across every tier
// returns ok=false without touching the backplane.
func (m *Manager[V]) Get(ctx context.Context, key, region string) (Item[V], bool, error) {
	var zero Item[V]
	if err := m.checkOpen("Get"); err != nil {
		return zero, false, err
	}

	for i, t := range m.tiers {
		si, ok, err := t.Get(ctx, key, region)
		if err != nil {
			return zero, false, err
		}
		if !ok {
			continue
		}

		si.LastAccessedUtc = time.Now().UTC().UnixNano()
		if si.ExpirationMode == ExpirationSliding {
			// The Manager owns LastAccessedUtc bookkeeping (tier.go's Get
			// contract); without this write-back a sliding item's stored
			// deadline never moves and it expires off its last write
			// instead of its last read.
			if err := t.Put(ctx, si); err != nil {
				return zero, false, err
			}
		}
		for j := i - 1; j >= 0; j-- {
			if m.tiers[j].IsBackplaneSource() {
				break
			}
			_ = m.tiers[j].Put(ctx, si)
		}

		item, err := m.decode(si)
		if err != nil {
			return zero, false, err
		}
		m.obs.FireGet(observer.Event{Key: key, Region: region, Success: true})
		return item, true, nil
	}

	m.obs.FireGet(observer.Event{Key: key, Region: region, Success: false})
	return zero, false, nil
}

// Exists reports whether a live item is stored for (region,key) in any
// tier, checked top-down.
func (m *Manager[V]) Exists(ctx context.Context, key, region string) (bool, error) {
	if err := m.checkOpen("Exists"); err != nil {
		return false, err
	}
	for _, t := range m.tiers {
		ok, err := t.Exists(ctx, key, region)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Remove removes (region,key) from every tier, aggregating the OR of
// each tier's result, publishing Removed if anything was actually
// removed, and firing OnRemove exactly once.
func (m *Manager[V]) Remove(ctx context.Context, key, region string) (bool, error) {
	if err := m.checkOpen("Remove"); err != nil {
		return false, err
	}
	anyRemoved := false
	for _, t := range m.tiers {
		removed, err := t.Remove(ctx, key, region)
		if err != nil {
			return false, err
		}
		anyRemoved = anyRemoved || removed
	}
	if anyRemoved && m.bp != nil {
		m.bp.NotifyRemove(key, region)
	}
	m.obs.FireRemove(observer.Event{Key: key, Region: region, Action: observer.ActionRemove, Success: anyRemoved})
	return anyRemoved, nil
}

// UpdateFunc computes the next value for a key from its current value
// (and whether it currently exists). Returning ok=false aborts the
// update without writing.
type UpdateFunc[V any] func(current V, exists bool) (next V, ok bool, err error)

// Update performs a bottommost-authoritative read-modify-write: the
// bottommost tier retries internally against its own concurrency
// primitives up to maxRetries times, then every other tier is evicted
// so the next read re-fetches the new version. maxRetries <= 0 uses
// the Manager's configured default.
func (m *Manager[V]) Update(ctx context.Context, key, region string, factory UpdateFunc[V], maxRetries int) (Item[V], bool, error) {
	var zero Item[V]
	if err := m.checkOpen("Update"); err != nil {
		return zero, false, err
	}
	if factory == nil {
		return zero, false, newErr(KindArgumentInvalid, "Update", ErrNilFactory)
	}
	if maxRetries <= 0 {
		maxRetries = m.maxUpdateRetries
	}

	storedFactory := func(current StoredItem, exists bool) (StoredItem, bool, error) {
		var currentVal V
		if exists {
			v, err := m.codec.Decode(current.Payload)
			if err != nil {
				return StoredItem{}, false, newErr(KindSerializationError, "Update", err)
			}
			currentVal = v
		}
		nextVal, ok, err := factory(currentVal, exists)
		if err != nil || !ok {
			return StoredItem{}, false, err
		}
		payload, err := m.codec.Encode(nextVal)
		if err != nil {
			return StoredItem{}, false, newErr(KindSerializationError, "Update", err)
		}

		now := time.Now().UTC()
		createdUtc := now.UnixNano()
		expMode := m.defaultExpirationMode
		expTimeout := int64(m.defaultExpirationTimeout)
		if exists {
			createdUtc = current.CreatedUtc
			expMode = current.ExpirationMode
			expTimeout = current.ExpirationTimeout
		}
		return StoredItem{
			Key:               key,
			Region:            region,
			Payload:           payload,
			ValueType:         valueTypeName[V](),
			ExpirationMode:    expMode,
			ExpirationTimeout: expTimeout,
			CreatedUtc:        createdUtc,
			LastAccessedUtc:   now.UnixNano(),
		}, true, nil
	}

	bottom := m.tiers[len(m.tiers)-1]
	ok, next, err := bottom.Update(ctx, key, region, storedFactory, maxRetries)
	if err != nil {
		m.obs.FireUpdate(observer.Event{Key: key, Region: region, Action: observer.ActionUpdate, Success: false})
		return zero, false, err
	}
	if !ok {
		m.obs.FireUpdate(observer.Event{Key: key, Region: region, Action: observer.ActionUpdate, Success: false})
		return zero, false, newErr(KindUpdateConflictExhausted, "Update", nil)
	}

	for _, t := range m.tiers[:len(m.tiers)-1] {
		_, _ = t.Remove(ctx, key, region)
	}
	if m.bp != nil {
		m.bp.NotifyChange(key, region, backplane.ChangeUpdate)
	}

	item, err := m.decode(next)
	if err != nil {
		return zero, false, err
	}
	m.obs.FireUpdate(observer.Event{Key: key, Region: region, Action: observer.ActionUpdate, Success: true})
	return item, true, nil
}

// Clear removes every item from every tier and resets each tier's
// stats, per spec.md §4.4.
func (m *Manager[V]) Clear(ctx context.Context) error {
	if err := m.checkOpen("Clear"); err != nil {
		return err
	}
	for _, t := range m.tiers {
		if err := t.Clear(ctx); err != nil {
			return err
		}
		t.Stats().reset()
	}
	if m.bp != nil {
		m.bp.NotifyClear()
	}
	m.obs.FireClear()
	return nil
}

// ClearRegion removes every item in region from every tier and resets
// each tier's stats, per spec.md §4.4.
func (m *Manager[V]) ClearRegion(ctx context.Context, region string) error {
	if err := m.checkOpen("ClearRegion"); err != nil {
		return err
	}
	if region == "" {
		return newErr(KindArgumentInvalid, "ClearRegion", ErrEmptyRegion)
	}
	for _, t := range m.tiers {
		if err := t.ClearRegion(ctx, region); err != nil {
			return err
		}
		t.Stats().reset()
	}
	if m.bp != nil {
		m.bp.NotifyClearRegion(region)
	}
	m.obs.FireClearRegion(region)
	return nil
}

// Tiers returns the configured tier list in order, for callers that
// want to inspect per-tier Stats directly.
func (m *Manager[V]) Tiers() []Tier {
	return append([]Tier(nil), m.tiers...)
}

func (m *Manager[V]) invalidateNonSource(key, region string) {
	ctx := context.Background()
	for _, t := range m.tiers {
		if t.IsBackplaneSource() {
			continue
		}
		if _, err := t.Remove(ctx, key, region); err != nil {
			m.log.Error("backplane-driven invalidation failed", Fields{"key": key, "region": region, "tier": t.Name(), "err": err.Error()})
		}
	}
}

func (m *Manager[V]) clearNonSource() {
	ctx := context.Background()
	for _, t := range m.tiers {
		if t.IsBackplaneSource() {
			continue
		}
		if err := t.Clear(ctx); err != nil {
			m.log.Error("backplane-driven clear failed", Fields{"tier": t.Name(), "err": err.Error()})
		}
	}
}

func (m *Manager[V]) clearRegionNonSource(region string) {
	ctx := context.Background()
	for _, t := range m.tiers {
		if t.IsBackplaneSource() {
			continue
		}
		if err := t.ClearRegion(ctx, region); err != nil {
			m.log.Error("backplane-driven clear-region failed", Fields{"tier": t.Name(), "region": region, "err": err.Error()})
		}
	}
}

// Close disposes the Manager: the Backplane (if configured) is closed
// first, flushing outbound messages synchronously up to a small
// deadline, then every owned tier that implements io.Closer is closed
// in reverse order.
func (m *Manager[V]) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.bp != nil {
		if err := m.bp.Close(ctx); err != nil {
			m.log.Error("backplane close failed", Fields{"err": err.Error()})
		}
	}
	var errs error
	for i := len(m.tiers) - 1; i >= 0; i-- {
		closer, ok := m.tiers[i].(interface{ Close() error })
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close tier %q: %w", m.tiers[i].Name(), err))
		}
	}
	return errs
}
