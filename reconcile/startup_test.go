package reconcile

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uykb/hypefollow/internal/types"
	"github.com/uykb/hypefollow/ledger"
	"github.com/uykb/hypefollow/mapper"
	"github.com/uykb/hypefollow/store/memkv"
)

type fakeMasterSnapshot struct {
	orders []types.OpenOrder
}

func (f *fakeMasterSnapshot) OpenOrders(context.Context, string) ([]types.OpenOrder, error) {
	return f.orders, nil
}

type fakeFollowerSnapshot struct {
	orders   []types.OpenOrder
	canceled []string
}

func (f *fakeFollowerSnapshot) OpenOrders(context.Context) ([]types.OpenOrder, error) {
	return f.orders, nil
}

func (f *fakeFollowerSnapshot) Cancel(_ context.Context, _, followerOrderID string) error {
	f.canceled = append(f.canceled, followerOrderID)
	return nil
}

type identitySnapper struct{}

func (identitySnapper) SnapPrice(_ string, masterPrice decimal.Decimal) (decimal.Decimal, error) {
	return masterPrice, nil
}

type fakeMasterPositions struct {
	positions map[string]decimal.Decimal
}

func (f *fakeMasterPositions) SignedPosition(_ context.Context, instrument string) (decimal.Decimal, error) {
	return f.positions[instrument], nil
}

type fakeExecutor struct {
	placed []string
}

func (f *fakeExecutor) HandleMasterOrder(_ context.Context, ev types.MasterOrderEvent) error {
	f.placed = append(f.placed, ev.Oid)
	return nil
}

func TestStartupReconcileSyncsExistingMapping(t *testing.T) {
	kv := memkv.New()
	m := mapper.New(kv)
	l := ledger.New(kv)
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, "m1", "f1", "BTC"))

	master := &fakeMasterSnapshot{orders: []types.OpenOrder{{ID: "m1", Instrument: "BTC", Side: types.SideBuy, Price: decimal.RequireFromString("30000")}}}
	follower := &fakeFollowerSnapshot{orders: []types.OpenOrder{{ID: "f1", Instrument: "BTC", Side: types.SideBuy, Price: decimal.RequireFromString("30000")}}}
	exec := &fakeExecutor{}

	positions := &fakeMasterPositions{positions: map[string]decimal.Decimal{}}
	sr := NewStartupReconciler(master, positions, follower, m, l, identitySnapper{}, exec, "0xabc", []string{"BTC"})
	synced, recovered, placed, zombies, err := sr.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)
	assert.Zero(t, recovered)
	assert.Zero(t, placed)
	assert.Zero(t, zombies)
}

func TestStartupReconcileRecoversViaPriceMatch(t *testing.T) {
	kv := memkv.New()
	m := mapper.New(kv)
	l := ledger.New(kv)
	ctx := context.Background()

	master := &fakeMasterSnapshot{orders: []types.OpenOrder{{ID: "m2", Instrument: "BTC", Side: types.SideBuy, Price: decimal.RequireFromString("30000")}}}
	follower := &fakeFollowerSnapshot{orders: []types.OpenOrder{{ID: "f2", Instrument: "BTC", Side: types.SideBuy, Price: decimal.RequireFromString("30000.001")}}}
	exec := &fakeExecutor{}

	positions := &fakeMasterPositions{positions: map[string]decimal.Decimal{}}
	sr := NewStartupReconciler(master, positions, follower, m, l, identitySnapper{}, exec, "0xabc", []string{"BTC"})
	_, recovered, placed, _, err := sr.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Zero(t, placed)

	binding, ok, err := m.LookupFollower(ctx, "m2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "f2", binding.FollowerOrderID)
}

func TestStartupReconcilePlacesFreshMirrorWhenNoMatch(t *testing.T) {
	kv := memkv.New()
	m := mapper.New(kv)
	l := ledger.New(kv)
	ctx := context.Background()

	master := &fakeMasterSnapshot{orders: []types.OpenOrder{{ID: "m3", Instrument: "BTC", Side: types.SideBuy, Price: decimal.RequireFromString("30000")}}}
	follower := &fakeFollowerSnapshot{}
	exec := &fakeExecutor{}

	positions := &fakeMasterPositions{positions: map[string]decimal.Decimal{}}
	sr := NewStartupReconciler(master, positions, follower, m, l, identitySnapper{}, exec, "0xabc", []string{"BTC"})
	_, _, placed, _, err := sr.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, placed)
	assert.Equal(t, []string{"m3"}, exec.placed)
}

func TestStartupReconcileCancelsZombie(t *testing.T) {
	kv := memkv.New()
	m := mapper.New(kv)
	l := ledger.New(kv)
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, "gone", "f4", "BTC"))

	master := &fakeMasterSnapshot{}
	follower := &fakeFollowerSnapshot{orders: []types.OpenOrder{{ID: "f4", Instrument: "BTC", Side: types.SideBuy}}}
	exec := &fakeExecutor{}

	positions := &fakeMasterPositions{positions: map[string]decimal.Decimal{}}
	sr := NewStartupReconciler(master, positions, follower, m, l, identitySnapper{}, exec, "0xabc", []string{"BTC"})
	_, _, _, zombies, err := sr.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, zombies)
	assert.Equal(t, []string{"f4"}, follower.canceled)

	_, ok, err := m.LookupFollower(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)
}
