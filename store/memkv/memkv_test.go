package memkv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uykb/hypefollow/store"
)

func TestGetSetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", "v", 0))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := New()
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetWithTTLExpires(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSetNXRejectsExistingLiveKey(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SetNX(ctx, "lock", "a", time.Minute))
	err := s.SetNX(ctx, "lock", "b", time.Minute)
	assert.ErrorIs(t, err, store.ErrExists)
}

func TestSetNXAllowsAfterExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.SetNX(ctx, "lock", "a", time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	assert.NoError(t, s.SetNX(ctx, "lock", "b", time.Minute))
}

func TestIncrDecimalAccumulates(t *testing.T) {
	s := New()
	ctx := context.Background()
	v, err := s.IncrDecimal(ctx, "delta", "0.5", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "0.5", v)

	v, err = s.IncrDecimal(ctx, "delta", "-0.2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "0.3", v)
}

func TestIncrDecimalRefreshesTTLAtomically(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.IncrDecimal(ctx, "delta", "1", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, err = s.Get(ctx, "delta")
	assert.ErrorIs(t, err, store.ErrNotFound, "key must expire once its refreshed ttl elapses")

	_, err = s.IncrDecimal(ctx, "delta", "1", time.Minute)
	require.NoError(t, err)
	v, err := s.Get(ctx, "delta")
	require.NoError(t, err)
	assert.Equal(t, "1", v, "a fresh increment after expiry starts back from zero")
}

func TestScanPrefixExcludesExpiredAndNonMatching(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "binding:a", "1", 0))
	require.NoError(t, s.Set(ctx, "binding:b", "2", 0))
	require.NoError(t, s.Set(ctx, "other:c", "3", 0))
	require.NoError(t, s.Set(ctx, "binding:d", "4", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	keys, err := s.ScanPrefix(ctx, "binding:")
	require.NoError(t, err)
	assert.Equal(t, []string{"binding:a", "binding:b"}, keys)
}

func TestWriteGroupAppliesSetAndDeleteAtomically(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "toDelete", "x", 0))

	err := s.WriteGroup(ctx, []store.Op{
		{Kind: store.OpSet, Key: "new", Value: "y"},
		{Kind: store.OpDelete, Key: "toDelete"},
	})
	require.NoError(t, err)

	v, err := s.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "y", v)

	_, err = s.Get(ctx, "toDelete")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
