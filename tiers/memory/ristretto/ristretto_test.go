package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-cachekit/cachekit"
	"github.com/go-cachekit/cachekit/tiers/memory/ristretto"
)

func newTier(t *testing.T) *ristretto.Tier {
	t.Helper()
	tier, err := ristretto.New(ristretto.Config{
		Name:        "l1",
		NumCounters: 1000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tier.Close() })
	return tier
}

func waitForSet(t *testing.T, tier *ristretto.Tier, key, region string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok, err := tier.Get(context.Background(), key, region)
		require.NoError(t, err)
		return ok
	}, time.Second, time.Millisecond, "ristretto's async buffer should settle the write")
}

func TestTierPutThenGet(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	item := cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("v")}
	require.NoError(t, tier.Put(ctx, item))
	waitForSet(t, tier, "k", "r")

	got, ok, err := tier.Get(ctx, "k", "r")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got.Payload)
}

func TestTierGetMissIncrementsMisses(t *testing.T) {
	tier := newTier(t)
	_, ok, err := tier.Get(context.Background(), "absent", "r")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(1), tier.Stats().Snapshot().Misses)
}

func TestTierAddFailsIfAlreadyPresent(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()
	item := cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("v1")}

	ok, err := tier.Add(ctx, item)
	require.NoError(t, err)
	require.True(t, ok)
	waitForSet(t, tier, "k", "r")

	ok, err = tier.Add(ctx, cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("v2")})
	require.NoError(t, err)
	require.False(t, ok)

	got, _, _ := tier.Get(ctx, "k", "r")
	require.Equal(t, []byte("v1"), got.Payload)
}

func TestTierRemove(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()
	item := cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("v")}
	require.NoError(t, tier.Put(ctx, item))
	waitForSet(t, tier, "k", "r")

	removed, err := tier.Remove(ctx, "k", "r")
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, _ := tier.Get(ctx, "k", "r")
	require.False(t, ok)

	removed, err = tier.Remove(ctx, "k", "r")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestTierUpdateCreatesWhenAbsent(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	ok, stored, err := tier.Update(ctx, "k", "r", func(current cachekit.StoredItem, exists bool) (cachekit.StoredItem, bool, error) {
		require.False(t, exists)
		return cachekit.StoredItem{Key: "k", Region: "r", Payload: []byte("created")}, true, nil
	}, 3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("created"), stored.Payload)
}

func TestTierUpdateCanAbort(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()

	ok, _, err := tier.Update(ctx, "k", "r", func(current cachekit.StoredItem, exists bool) (cachekit.StoredItem, bool, error) {
		return cachekit.StoredItem{}, false, nil
	}, 3)
	require.NoError(t, err)
	require.False(t, ok)

	_, exists, _ := tier.Get(ctx, "k", "r")
	require.False(t, exists)
}

func TestTierClearRegionOnlyAffectsThatRegion(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()
	require.NoError(t, tier.Put(ctx, cachekit.StoredItem{Key: "a", Region: "r1", Payload: []byte("1")}))
	require.NoError(t, tier.Put(ctx, cachekit.StoredItem{Key: "b", Region: "r2", Payload: []byte("2")}))
	waitForSet(t, tier, "a", "r1")
	waitForSet(t, tier, "b", "r2")

	require.NoError(t, tier.ClearRegion(ctx, "r1"))

	_, ok, _ := tier.Get(ctx, "a", "r1")
	require.False(t, ok)
	_, ok, _ = tier.Get(ctx, "b", "r2")
	require.True(t, ok)
}

func TestTierClearRemovesEverything(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()
	require.NoError(t, tier.Put(ctx, cachekit.StoredItem{Key: "a", Region: "r1", Payload: []byte("1")}))
	waitForSet(t, tier, "a", "r1")

	require.NoError(t, tier.Clear(ctx))

	_, ok, _ := tier.Get(ctx, "a", "r1")
	require.False(t, ok)
}

func TestTierExpiredItemIsEvicted(t *testing.T) {
	tier := newTier(t)
	ctx := context.Background()
	item := cachekit.StoredItem{
		Key:               "k",
		Region:            "r",
		Payload:           []byte("v"),
		ExpirationMode:    cachekit.ExpirationAbsolute,
		ExpirationTimeout: int64(10 * time.Millisecond),
		CreatedUtc:        time.Now().UnixNano(),
	}
	require.NoError(t, tier.Put(ctx, item))
	waitForSet(t, tier, "k", "r")

	time.Sleep(30 * time.Millisecond)
	_, ok, err := tier.Get(ctx, "k", "r")
	require.NoError(t, err)
	require.False(t, ok)
}
