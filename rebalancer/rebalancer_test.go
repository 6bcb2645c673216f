package rebalancer

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uykb/hypefollow/internal/config"
	"github.com/uykb/hypefollow/internal/types"
	"github.com/uykb/hypefollow/store/memkv"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func btcInstrument() types.Instrument {
	return types.Instrument{
		Symbol: "BTC", QuantityDecimals: 3, PriceTick: d("0.1"),
		ReductionThreshold: d("0.01"),
	}
}

type fakeMaster struct{ pos decimal.Decimal }

func (f *fakeMaster) SignedPosition(context.Context, string) (decimal.Decimal, error) { return f.pos, nil }

type fakeFollower struct {
	pos       decimal.Decimal
	entry     decimal.Decimal
	sameSide  decimal.Decimal
}

func (f *fakeFollower) SignedPosition(context.Context, string) (decimal.Decimal, error) { return f.pos, nil }
func (f *fakeFollower) EntryPrice(context.Context, string) (decimal.Decimal, error)      { return f.entry, nil }
func (f *fakeFollower) OpenReduceOnlySameSide(context.Context, string, types.Side) (decimal.Decimal, error) {
	return f.sameSide, nil
}

type fakeOrders struct {
	placed   []string
	canceled []string
	nextID   int
}

func (f *fakeOrders) PlaceLimit(_ context.Context, _ string, _ types.Side, _, size decimal.Decimal, _ bool, _ string) (string, error) {
	f.nextID++
	f.placed = append(f.placed, size.String())
	return "anchor-" + string(rune('0'+f.nextID)), nil
}

func (f *fakeOrders) Cancel(_ context.Context, _, followerOrderID string) error {
	f.canceled = append(f.canceled, followerOrderID)
	return nil
}

func newTestRebalancer(master *fakeMaster, follower *fakeFollower, orders *fakeOrders) *Rebalancer {
	cfg := &config.Config{TradingMode: config.ModeFixed, FixedRatio: d("0.1")}
	instruments := map[string]types.Instrument{"BTC": btcInstrument()}
	return New(cfg, instruments, master, follower, orders, memkv.New())
}

func TestRebalanceNoOpWhenWithinTarget(t *testing.T) {
	master := &fakeMaster{pos: d("0.01")}
	follower := &fakeFollower{pos: d("0.001"), entry: d("30000"), sameSide: decimal.Zero}
	orders := &fakeOrders{}
	r := newTestRebalancer(master, follower, orders)

	require.NoError(t, r.Rebalance(context.Background(), "BTC"))
	assert.Empty(t, orders.placed)
}

func TestRebalanceTrimsExcessLongPosition(t *testing.T) {
	master := &fakeMaster{pos: d("0.01")} // target = 0.001
	follower := &fakeFollower{pos: d("0.002"), entry: d("30000"), sameSide: decimal.Zero}
	orders := &fakeOrders{}
	r := newTestRebalancer(master, follower, orders)

	require.NoError(t, r.Rebalance(context.Background(), "BTC"))
	require.Len(t, orders.placed, 1)
	assert.Equal(t, "0.001", orders.placed[0])
}

func TestRebalanceReplacesExistingAnchor(t *testing.T) {
	master := &fakeMaster{pos: d("0.01")}
	follower := &fakeFollower{pos: d("0.002"), entry: d("30000"), sameSide: decimal.Zero}
	orders := &fakeOrders{}
	r := newTestRebalancer(master, follower, orders)
	ctx := context.Background()

	require.NoError(t, r.Rebalance(ctx, "BTC"))
	require.NoError(t, r.Rebalance(ctx, "BTC"))
	assert.Len(t, orders.placed, 2)
	assert.Len(t, orders.canceled, 1)
}

func TestProfitPriceDirection(t *testing.T) {
	p := profitPrice(d("30000"), types.SideSell)
	assert.True(t, p.GreaterThan(d("30000")))

	p2 := profitPrice(d("30000"), types.SideBuy)
	assert.True(t, p2.LessThan(d("30000")))
}

func TestCloseSideForSign(t *testing.T) {
	assert.Equal(t, types.SideSell, closeSideFor(d("0.01")))
	assert.Equal(t, types.SideBuy, closeSideFor(d("-0.01")))
}

func TestAggressiveThresholdHalvesUncovered(t *testing.T) {
	master := &fakeMaster{pos: decimal.Zero}
	follower := &fakeFollower{pos: d("0.05"), entry: d("30000"), sameSide: decimal.Zero}
	orders := &fakeOrders{}
	r := newTestRebalancer(master, follower, orders)

	require.NoError(t, r.Rebalance(context.Background(), "BTC"))
	require.Len(t, orders.placed, 1)
	assert.Equal(t, "0.025", orders.placed[0])
}
