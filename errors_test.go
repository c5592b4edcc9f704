package cachekit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfExtractsKind(t *testing.T) {
	err := newErr(KindUpdateConflictExhausted, "Update", nil)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindUpdateConflictExhausted, kind)
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	require.False(t, ok)
}

func TestIsMatchesKind(t *testing.T) {
	err := newErr(KindBackingStoreUnavailable, "Get", ErrEmptyKey)
	require.True(t, Is(err, KindBackingStoreUnavailable))
	require.False(t, Is(err, KindTransient))
}

func TestErrorUnwrapsToCause(t *testing.T) {
	err := newErr(KindArgumentInvalid, "Add", ErrEmptyKey)
	require.ErrorIs(t, err, ErrEmptyKey)
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := newErr(KindSerializationError, "Put", errors.New("boom"))
	require.Contains(t, err.Error(), "Put")
	require.Contains(t, err.Error(), "SerializationError")
	require.Contains(t, err.Error(), "boom")
}

func TestErrorMessageWithNilCause(t *testing.T) {
	err := newErr(KindAlreadyDisposed, "Get", nil)
	require.Equal(t, "cachekit: Get: AlreadyDisposed", err.Error())
}
