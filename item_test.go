package cachekit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestItemValidateRejectsEmptyKey(t *testing.T) {
	it := newItem("", "region", 1)
	err := it.Validate()
	require.Error(t, err)
	require.True(t, Is(err, KindArgumentInvalid))
}

func TestItemValidateRejectsReservedDelimiterInKey(t *testing.T) {
	it := newItem("bad\x1fkey", "region", 1)
	err := it.Validate()
	require.Error(t, err)
}

func TestItemValidateRequiresPositiveTimeoutForExplicitMode(t *testing.T) {
	it := newItem("k", "r", 1)
	it.ExpirationMode = ExpirationAbsolute
	it.ExpirationTimeout = 0
	require.Error(t, it.Validate())

	it.ExpirationTimeout = time.Second
	require.NoError(t, it.Validate())
}

func TestItemValidateAllowsNoneAndDefaultWithZeroTimeout(t *testing.T) {
	it := newItem("k", "r", 1)
	it.ExpirationMode = ExpirationNone
	require.NoError(t, it.Validate())

	it.ExpirationMode = ExpirationDefault
	require.NoError(t, it.Validate())
}

func TestItemValidateRejectsLastAccessedBeforeCreated(t *testing.T) {
	it := newItem("k", "r", 1)
	it.LastAccessedUtc = it.CreatedUtc.Add(-time.Second)
	err := it.Validate()
	require.Error(t, err)
}

func TestNewItemStampsTimestampsAndDefaults(t *testing.T) {
	it := newItem("k", "r", "v")
	require.Equal(t, ExpirationDefault, it.ExpirationMode)
	require.True(t, it.UsesExpirationDefaults)
	require.False(t, it.CreatedUtc.IsZero())
	require.Equal(t, it.CreatedUtc, it.LastAccessedUtc)
	require.Equal(t, time.UTC, it.CreatedUtc.Location())
}

func TestExpirationModeString(t *testing.T) {
	require.Equal(t, "none", ExpirationNone.String())
	require.Equal(t, "absolute", ExpirationAbsolute.String())
	require.Equal(t, "sliding", ExpirationSliding.String())
	require.Equal(t, "default", ExpirationDefault.String())
	require.Equal(t, "unknown", ExpirationMode(99).String())
}
