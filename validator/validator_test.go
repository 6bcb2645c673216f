package validator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uykb/hypefollow/internal/types"
	"github.com/uykb/hypefollow/mapper"
	"github.com/uykb/hypefollow/store/memkv"
)

type fakeVenueError struct{ unknown bool }

func (e *fakeVenueError) Error() string       { return "venue error" }
func (e *fakeVenueError) IsUnknownOrder() bool { return e.unknown }

type fakeStatusQuerier struct {
	status types.FollowerExecStatus
	err    error
}

func (f *fakeStatusQuerier) OrderStatus(context.Context, string, string) (types.FollowerExecStatus, error) {
	return f.status, f.err
}

func TestSweepDeletesTerminalMapping(t *testing.T) {
	kv := memkv.New()
	m := mapper.New(kv)
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, "m1", "f1", "BTC"))

	v := New(m, &fakeStatusQuerier{status: types.FollowerStatusFilled})
	require.NoError(t, v.Sweep(ctx))

	_, ok, err := m.LookupFollower(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepKeepsLiveMapping(t *testing.T) {
	kv := memkv.New()
	m := mapper.New(kv)
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, "m2", "f2", "BTC"))

	v := New(m, &fakeStatusQuerier{status: types.FollowerStatusNew})
	require.NoError(t, v.Sweep(ctx))

	_, ok, err := m.LookupFollower(ctx, "m2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepDeletesOnUnknownOrderError(t *testing.T) {
	kv := memkv.New()
	m := mapper.New(kv)
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, "m3", "f3", "BTC"))

	v := New(m, &fakeStatusQuerier{err: &fakeVenueError{unknown: true}})
	require.NoError(t, v.Sweep(ctx))

	_, ok, err := m.LookupFollower(ctx, "m3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepRetainsMappingOnTransientError(t *testing.T) {
	kv := memkv.New()
	m := mapper.New(kv)
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, "m4", "f4", "BTC"))

	v := New(m, &fakeStatusQuerier{err: fmt.Errorf("connection reset")})
	require.NoError(t, v.Sweep(ctx))

	_, ok, err := m.LookupFollower(ctx, "m4")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCheckOneDeletesOnHardTimeout(t *testing.T) {
	kv := memkv.New()
	m := mapper.New(kv)
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, "m5", "f5", "BTC"))

	v := New(m, &fakeStatusQuerier{status: types.FollowerStatusNew})
	// Simulate an aged mapping by writing the timestamp key directly in
	// the past, beyond HardTimeout.
	require.NoError(t, kv.Set(ctx, "ts:order:m5", time.Now().Add(-25*time.Hour).UTC().Format(time.RFC3339Nano), 0))

	require.NoError(t, v.checkOne(ctx, "m5"))

	_, ok, err := m.LookupFollower(ctx, "m5")
	require.NoError(t, err)
	assert.False(t, ok)
}
