package cachekit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-cachekit/cachekit"
	"github.com/go-cachekit/cachekit/backplane"
	"github.com/go-cachekit/cachekit/codec"
)

// fakeTier is an in-memory cachekit.Tier used to test Manager's
// orchestration without depending on any real tier implementation.
type fakeTier struct {
	name         string
	isSource     bool
	stats        cachekit.Stats
	mu           sync.Mutex
	data         map[string]cachekit.StoredItem
	getCalls     []string
	putCalls     []string
	removeCalls  []string
}

func newFakeTier(name string, isSource bool) *fakeTier {
	return &fakeTier{name: name, isSource: isSource, data: make(map[string]cachekit.StoredItem)}
}

func (f *fakeTier) key(k, r string) string { return r + "\x1f" + k }

func (f *fakeTier) Name() string            { return f.name }
func (f *fakeTier) IsBackplaneSource() bool { return f.isSource }
func (f *fakeTier) IsDistributed() bool     { return false }
func (f *fakeTier) Stats() *cachekit.Stats  { return &f.stats }

func (f *fakeTier) Add(ctx context.Context, item cachekit.StoredItem) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(item.Key, item.Region)
	if _, ok := f.data[k]; ok {
		return false, nil
	}
	f.data[k] = item
	return true, nil
}

func (f *fakeTier) Put(ctx context.Context, item cachekit.StoredItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls = append(f.putCalls, f.key(item.Key, item.Region))
	f.data[f.key(item.Key, item.Region)] = item
	return nil
}

func (f *fakeTier) Get(ctx context.Context, key, region string) (cachekit.StoredItem, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls = append(f.getCalls, f.key(key, region))
	item, ok := f.data[f.key(key, region)]
	if ok {
		f.stats.Hits.Add(1)
	} else {
		f.stats.Misses.Add(1)
	}
	return item, ok, nil
}

func (f *fakeTier) Remove(ctx context.Context, key, region string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls = append(f.removeCalls, f.key(key, region))
	k := f.key(key, region)
	if _, ok := f.data[k]; !ok {
		return false, nil
	}
	delete(f.data, k)
	return true, nil
}

func (f *fakeTier) Exists(ctx context.Context, key, region string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[f.key(key, region)]
	return ok, nil
}

func (f *fakeTier) Update(ctx context.Context, key, region string, factory cachekit.UpdateFactory, maxRetries int) (bool, cachekit.StoredItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := f.key(key, region)
	current, exists := f.data[k]
	next, ok, err := factory(current, exists)
	if err != nil || !ok {
		return false, cachekit.StoredItem{}, err
	}
	f.data[k] = next
	return true, next, nil
}

func (f *fakeTier) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = make(map[string]cachekit.StoredItem)
	return nil
}

func (f *fakeTier) ClearRegion(ctx context.Context, region string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range f.data {
		if v.Region == region {
			delete(f.data, k)
		}
	}
	return nil
}

var _ cachekit.Tier = (*fakeTier)(nil)

func newManager(t *testing.T, tiers ...cachekit.Tier) *cachekit.Manager[string] {
	t.Helper()
	m, err := cachekit.New(cachekit.Options[string]{
		Tiers: tiers,
		Codec: codec.String{},
	})
	require.NoError(t, err)
	return m
}

func TestManagerNewRejectsNoTiers(t *testing.T) {
	_, err := cachekit.New(cachekit.Options[string]{Codec: codec.String{}})
	require.Error(t, err)
}

func TestManagerNewRejectsDuplicateTierNames(t *testing.T) {
	_, err := cachekit.New(cachekit.Options[string]{
		Tiers: []cachekit.Tier{newFakeTier("l1", false), newFakeTier("l1", false)},
		Codec: codec.String{},
	})
	require.Error(t, err)
}

func TestManagerNewRejectsMultipleBackplaneSources(t *testing.T) {
	_, err := cachekit.New(cachekit.Options[string]{
		Tiers: []cachekit.Tier{newFakeTier("l1", true), newFakeTier("l2", true)},
		Codec: codec.String{},
	})
	require.Error(t, err)
}

func TestManagerAddWritesOnlyToBottomTierThenEvictsOthers(t *testing.T) {
	l1 := newFakeTier("l1", false)
	l2 := newFakeTier("l2", true)
	m := newManager(t, l1, l2)
	ctx := context.Background()

	// seed l1 so Add's post-success eviction has something to remove
	require.NoError(t, l1.Put(ctx, cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("stale")}))

	item := cachekit.NewItem[string]("k", "r", "v")
	ok, err := m.Add(ctx, item)
	require.NoError(t, err)
	require.True(t, ok)

	_, existsInL1 := l1.data[l1.key("k", "r")]
	require.False(t, existsInL1)
	_, existsInL2 := l2.data[l2.key("k", "r")]
	require.True(t, existsInL2)
}

func TestManagerAddFailsIfAlreadyPresentInBottomTier(t *testing.T) {
	l1 := newFakeTier("l1", false)
	l2 := newFakeTier("l2", true)
	m := newManager(t, l1, l2)
	ctx := context.Background()

	ok, err := m.Add(ctx, cachekit.NewItem[string]("k", "r", "v1"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Add(ctx, cachekit.NewItem[string]("k", "r", "v2"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManagerPutWritesThroughEveryTier(t *testing.T) {
	l1 := newFakeTier("l1", false)
	l2 := newFakeTier("l2", true)
	m := newManager(t, l1, l2)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, cachekit.NewItem[string]("k", "r", "v")))

	_, ok := l1.data[l1.key("k", "r")]
	require.True(t, ok)
	_, ok = l2.data[l2.key("k", "r")]
	require.True(t, ok)
}

func TestManagerGetPromotesOnHitFromLowerTier(t *testing.T) {
	l1 := newFakeTier("l1", false)
	l2 := newFakeTier("l2", true)
	m := newManager(t, l1, l2)
	ctx := context.Background()

	require.NoError(t, l2.Put(ctx, cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("v")}))

	item, ok, err := m.Get(ctx, "k", "r")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", item.Value)

	_, promoted := l1.data[l1.key("k", "r")]
	require.True(t, promoted, "hit in l2 should have been promoted into l1")
}

func TestManagerGetMissReturnsFalseAcrossAllTiers(t *testing.T) {
	m := newManager(t, newFakeTier("l1", false), newFakeTier("l2", true))
	_, ok, err := m.Get(context.Background(), "missing", "r")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManagerRemoveAggregatesAcrossTiers(t *testing.T) {
	l1 := newFakeTier("l1", false)
	l2 := newFakeTier("l2", true)
	m := newManager(t, l1, l2)
	ctx := context.Background()
	require.NoError(t, l2.Put(ctx, cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("v")}))

	removed, err := m.Remove(ctx, "k", "r")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = m.Remove(ctx, "k", "r")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestManagerUpdateAppliesOnlyToBottomTierThenEvictsOthers(t *testing.T) {
	l1 := newFakeTier("l1", false)
	l2 := newFakeTier("l2", true)
	m := newManager(t, l1, l2)
	ctx := context.Background()
	require.NoError(t, l1.Put(ctx, cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("stale")}))

	item, ok, err := m.Update(ctx, "k", "r", func(current string, exists bool) (string, bool, error) {
		require.False(t, exists)
		return "created", true, nil
	}, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "created", item.Value)

	_, existsInL1 := l1.data[l1.key("k", "r")]
	require.False(t, existsInL1)
}

func TestManagerUpdateAbortReturnsConflictExhausted(t *testing.T) {
	m := newManager(t, newFakeTier("l1", false), newFakeTier("l2", true))
	_, ok, err := m.Update(context.Background(), "k", "r", func(current string, exists bool) (string, bool, error) {
		return "", false, nil
	}, 3)
	require.Error(t, err)
	require.False(t, ok)
	require.True(t, cachekit.Is(err, cachekit.KindUpdateConflictExhausted))
}

func TestManagerClearResetsAllTiers(t *testing.T) {
	l1 := newFakeTier("l1", false)
	l2 := newFakeTier("l2", true)
	m := newManager(t, l1, l2)
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, cachekit.NewItem[string]("k", "r", "v")))

	require.NoError(t, m.Clear(ctx))
	_, ok, err := m.Get(ctx, "k", "r")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManagerClearRegionOnlyAffectsThatRegion(t *testing.T) {
	l1 := newFakeTier("l1", false)
	l2 := newFakeTier("l2", true)
	m := newManager(t, l1, l2)
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, cachekit.NewItem[string]("a", "r1", "1")))
	require.NoError(t, m.Put(ctx, cachekit.NewItem[string]("b", "r2", "2")))

	require.NoError(t, m.ClearRegion(ctx, "r1"))

	_, ok, _ := m.Get(ctx, "a", "r1")
	require.False(t, ok)
	_, ok, _ = m.Get(ctx, "b", "r2")
	require.True(t, ok)
}

func TestManagerClearRegionRejectsEmptyRegion(t *testing.T) {
	m := newManager(t, newFakeTier("l1", false), newFakeTier("l2", true))
	err := m.ClearRegion(context.Background(), "")
	require.Error(t, err)
	require.True(t, cachekit.Is(err, cachekit.KindArgumentInvalid))
}

func TestManagerGetRefreshesSlidingDeadlineInHittingTier(t *testing.T) {
	l1 := newFakeTier("l1", false)
	l2 := newFakeTier("l2", true)
	m := newManager(t, l1, l2)
	ctx := context.Background()

	stale := time.Now().Add(-time.Hour).UnixNano()
	require.NoError(t, l2.Put(ctx, cachekit.StoredItem{
		Key:               "k",
		Region:            "r",
		Payload:           []byte("v"),
		ExpirationMode:    cachekit.ExpirationSliding,
		ExpirationTimeout: int64(time.Hour),
		CreatedUtc:        stale,
		LastAccessedUtc:   stale,
	}))

	_, ok, err := m.Get(ctx, "k", "r")
	require.NoError(t, err)
	require.True(t, ok)

	refreshed := l2.data[l2.key("k", "r")]
	require.Greater(t, refreshed.LastAccessedUtc, stale,
		"a sliding item's LastAccessedUtc must be written back into the tier that served the hit")
}

func TestManagerOperationsFailAfterClose(t *testing.T) {
	m := newManager(t, newFakeTier("l1", false), newFakeTier("l2", true))
	require.NoError(t, m.Close(context.Background()))

	_, err := m.Add(context.Background(), cachekit.NewItem[string]("k", "r", "v"))
	require.Error(t, err)
	require.True(t, cachekit.Is(err, cachekit.KindAlreadyDisposed))
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	m := newManager(t, newFakeTier("l1", false), newFakeTier("l2", true))
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))
}

// loopbackTransport is an in-memory backplane.Transport shared by every
// Manager constructed in a single test, so Managers can observe one
// another's published messages the way two processes sharing a real
// broker channel would.
type loopbackTransport struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{subs: make(map[string][]chan []byte)}
}

func (l *loopbackTransport) Publish(ctx context.Context, channel string, frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs[channel] {
		select {
		case ch <- frame:
		default:
		}
	}
	return nil
}

func (l *loopbackTransport) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	l.mu.Lock()
	l.subs[channel] = append(l.subs[channel], ch)
	l.mu.Unlock()
	go func() {
		<-ctx.Done()
	}()
	return ch, nil
}

func TestManagerBackplaneInvalidatesNonSourceTiersOnPeerChange(t *testing.T) {
	transport := newLoopbackTransport()
	ctx := context.Background()

	aL1 := newFakeTier("a-l1", false)
	aL2 := newFakeTier("a-l2", true)
	a, err := cachekit.New(cachekit.Options[string]{
		Tiers: []cachekit.Tier{aL1, aL2},
		Codec: codec.String{},
		Backplane: &backplane.Options{
			Transport:     transport,
			Channel:       "test",
			CoalesceDelay: time.Millisecond,
			FlushInterval: time.Millisecond,
		},
	})
	require.NoError(t, err)
	defer a.Close(ctx)

	bL1 := newFakeTier("b-l1", false)
	bL2 := newFakeTier("b-l2", true)
	b, err := cachekit.New(cachekit.Options[string]{
		Tiers: []cachekit.Tier{bL1, bL2},
		Codec: codec.String{},
		Backplane: &backplane.Options{
			Transport:     transport,
			Channel:       "test",
			CoalesceDelay: time.Millisecond,
			FlushInterval: time.Millisecond,
		},
	})
	require.NoError(t, err)
	defer b.Close(ctx)

	// populate b's top tier as if it had previously cached the key
	require.NoError(t, bL1.Put(ctx, cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("v")}))

	require.NoError(t, a.Put(ctx, cachekit.NewItem[string]("k", "r", "v")))

	require.Eventually(t, func() bool {
		_, ok := bL1.data[bL1.key("k", "r")]
		return !ok
	}, time.Second, time.Millisecond, "b's non-source tier should have been invalidated by a's Put")
}
