package bigcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-cachekit/cachekit"
	"github.com/go-cachekit/cachekit/tiers/memory/bigcache"
)

func newTier(t *testing.T) *bigcache.Tier {
	t.Helper()
	tier, err := bigcache.New(bigcache.Config{
		Name:       "l2",
		LifeWindow: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })
	return tier
}

func TestTierPutThenGet(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	require.NoError(t, tier.Put(ctx, cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("v")}))

	got, ok, err := tier.Get(ctx, "k", "r")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got.Payload)
}

func TestTierAddRejectsExisting(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	ok, err := tier.Add(ctx, cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("v1")})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tier.Add(ctx, cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("v2")})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTierRemove(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()
	require.NoError(t, tier.Put(ctx, cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("v")}))

	removed, err := tier.Remove(ctx, "k", "r")
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, _ := tier.Get(ctx, "k", "r")
	require.False(t, ok)
}

func TestTierUpdateConverges(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()
	require.NoError(t, tier.Put(ctx, cachekit.StoredItem{Key: "counter", Region: "r", Payload: []byte{0}}))

	ok, next, err := tier.Update(ctx, "counter", "r", func(current cachekit.StoredItem, exists bool) (cachekit.StoredItem, bool, error) {
		require.True(t, exists)
		current.Payload = []byte{current.Payload[0] + 1}
		return current, true, nil
	}, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{1}, next.Payload)
}

func TestTierClearRegion(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()
	require.NoError(t, tier.Put(ctx, cachekit.StoredItem{Key: "a", Region: "r1", Payload: []byte("1")}))
	require.NoError(t, tier.Put(ctx, cachekit.StoredItem{Key: "b", Region: "r2", Payload: []byte("2")}))

	require.NoError(t, tier.ClearRegion(ctx, "r1"))

	_, ok, _ := tier.Get(ctx, "a", "r1")
	require.False(t, ok)
	_, ok, _ = tier.Get(ctx, "b", "r2")
	require.True(t, ok)
}

func TestTierExpiredItemIsEvictedOnGet(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()
	item := cachekit.StoredItem{
		Key:               "k",
		Region:            "r",
		Payload:           []byte("v"),
		ExpirationMode:    cachekit.ExpirationSliding,
		ExpirationTimeout: int64(10 * time.Millisecond),
		LastAccessedUtc:   time.Now().UnixNano(),
	}
	require.NoError(t, tier.Put(ctx, item))
	time.Sleep(30 * time.Millisecond)

	_, ok, err := tier.Get(ctx, "k", "r")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTierStatsTrackHitsAndMisses(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()
	require.NoError(t, tier.Put(ctx, cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("v")}))

	_, _, _ = tier.Get(ctx, "k", "r")
	_, _, _ = tier.Get(ctx, "missing", "r")

	snap := tier.Stats().Snapshot()
	require.Equal(t, int64(1), snap.Hits)
	require.Equal(t, int64(1), snap.Misses)
}
