package executor

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uykb/hypefollow/internal/types"
	"github.com/uykb/hypefollow/journal"
	"github.com/uykb/hypefollow/ledger"
	"github.com/uykb/hypefollow/mapper"
	"github.com/uykb/hypefollow/reconcile"
	"github.com/uykb/hypefollow/risk"
	"github.com/uykb/hypefollow/store/memkv"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func btcInstrument() types.Instrument {
	return types.Instrument{
		Symbol:            "BTC",
		QuantityDecimals:  3,
		PriceTick:         d("0.1"),
		MinOrderSizeOpen:  d("0.001"),
		MinOrderSizeClose: d("0.001"),
		MaxAbsPosition:    d("10"),
	}
}

// fakeCalculator applies a fixed ratio with no precision games, enough
// to drive the executor's decision tree deterministically.
type fakeCalculator struct {
	ratio   decimal.Decimal
	minSize decimal.Decimal
}

func (f *fakeCalculator) Translate(_ context.Context, _ string, masterSize decimal.Decimal, _ types.ActionType) (decimal.Decimal, bool, error) {
	out := masterSize.Mul(f.ratio).Round(3)
	if out.LessThan(f.minSize) {
		return decimal.Zero, false, nil
	}
	return out, true, nil
}

func (f *fakeCalculator) MinSize(string, types.ActionType) (decimal.Decimal, error) {
	return f.minSize, nil
}

func (f *fakeCalculator) SnapPrice(_ string, masterPrice decimal.Decimal) (decimal.Decimal, error) {
	return masterPrice, nil
}

type fakePositions struct {
	signed decimal.Decimal
}

func (f *fakePositions) SignedPosition(context.Context, string) (decimal.Decimal, error) {
	return f.signed, nil
}

func (f *fakePositions) OpenReduceOnlySameSide(context.Context, string, types.Side) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type placedOrder struct {
	instrument string
	side       types.Side
	price      decimal.Decimal
	size       decimal.Decimal
	reduceOnly bool
}

type fakeOrders struct {
	placements []placedOrder
	nextID     int
	canceled   []string
}

func (f *fakeOrders) PlaceLimit(_ context.Context, instrument string, side types.Side, price, size decimal.Decimal, reduceOnly bool, _ string) (string, error) {
	f.nextID++
	f.placements = append(f.placements, placedOrder{instrument, side, price, size, reduceOnly})
	return "follower-" + string(rune('0'+f.nextID)), nil
}

func (f *fakeOrders) PlaceMarket(_ context.Context, instrument string, side types.Side, size decimal.Decimal, reduceOnly bool, _ string) (string, error) {
	f.nextID++
	f.placements = append(f.placements, placedOrder{instrument, side, decimal.Zero, size, reduceOnly})
	return "follower-" + string(rune('0'+f.nextID)), nil
}

func (f *fakeOrders) Cancel(_ context.Context, _, followerOrderID string) error {
	f.canceled = append(f.canceled, followerOrderID)
	return nil
}

func (f *fakeOrders) CancelReplaceOrder(context.Context, string, string, types.Side, decimal.Decimal, decimal.Decimal, bool) (string, error) {
	return "", nil
}

type fakeRebalancer struct {
	triggered []string
}

func (f *fakeRebalancer) Trigger(instrument string) {
	f.triggered = append(f.triggered, instrument)
}

type fakeStatusQuerier struct {
	status types.FollowerExecStatus
}

func (f *fakeStatusQuerier) OrderStatus(context.Context, string, string) (types.FollowerExecStatus, error) {
	if f.status == "" {
		return types.FollowerStatusFilled, nil
	}
	return f.status, nil
}

func newTestExecutor(t *testing.T, calc *fakeCalculator, positions *fakePositions, orders *fakeOrders) (*Executor, *ledger.Ledger, *journal.Journal) {
	t.Helper()
	kv := memkv.New()
	m := mapper.New(kv)
	l := ledger.New(kv)
	j := journal.New(kv)
	gate := risk.New(map[string]types.Instrument{"BTC": btcInstrument()}, risk.NewEmergencyStop(false))
	rec := reconcile.NewRecorder(kv)
	reb := &fakeRebalancer{}
	status := &fakeStatusQuerier{}
	e := New(kv, m, l, j, calc, gate, positions, orders, reb, rec, status)
	return e, l, j
}

func TestHandleOpenPlacesOrderWhenAboveMinimum(t *testing.T) {
	calc := &fakeCalculator{ratio: d("0.1"), minSize: d("0.001")}
	positions := &fakePositions{signed: decimal.Zero}
	orders := &fakeOrders{}
	e, l, j := newTestExecutor(t, calc, positions, orders)

	ev := types.MasterOrderEvent{
		Oid: "m1", Instrument: "BTC", Side: types.SideBuy,
		Price: d("30000"), Size: d("1"), Status: types.MasterStatusOpen,
		Timestamp: time.Now(),
	}
	require.NoError(t, e.HandleMasterOrder(context.Background(), ev))

	require.Len(t, orders.placements, 1)
	assert.True(t, orders.placements[0].size.Equal(d("0.1")))

	entry, seen, err := j.Get(context.Background(), "m1")
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, types.OutcomePlaced, entry.Outcome)

	delta, err := l.Get(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, delta.IsZero(), "delta should be fully consumed after a successful placement")
}

func TestHandleOpenBelowMinimumAccumulatesDelta(t *testing.T) {
	calc := &fakeCalculator{ratio: d("0.0001"), minSize: d("0.001")}
	positions := &fakePositions{signed: decimal.Zero}
	orders := &fakeOrders{}
	e, l, j := newTestExecutor(t, calc, positions, orders)

	ev := types.MasterOrderEvent{
		Oid: "m2", Instrument: "BTC", Side: types.SideBuy,
		Price: d("30000"), Size: d("1"), Status: types.MasterStatusOpen,
		Timestamp: time.Now(),
	}
	require.NoError(t, e.HandleMasterOrder(context.Background(), ev))

	assert.Empty(t, orders.placements)
	entry, _, err := j.Get(context.Background(), "m2")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSkippedBelowMin, entry.Outcome)

	delta, err := l.Get(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, delta.Equal(d("1")))
}

func TestHandleOpenReduceOnlyWithNoCapacitySkipsSilently(t *testing.T) {
	calc := &fakeCalculator{ratio: d("1"), minSize: d("0.001")}
	positions := &fakePositions{signed: decimal.Zero}
	orders := &fakeOrders{}
	e, l, j := newTestExecutor(t, calc, positions, orders)

	ev := types.MasterOrderEvent{
		Oid: "m9", Instrument: "BTC", Side: types.SideSell,
		Price: d("30000"), Size: d("1"), Status: types.MasterStatusOpen,
		ReduceOnly: true, Timestamp: time.Now(),
	}
	require.NoError(t, e.HandleMasterOrder(context.Background(), ev))

	assert.Empty(t, orders.placements)

	_, seen, err := j.Get(context.Background(), "m9")
	require.NoError(t, err)
	assert.False(t, seen, "a reduce-only order with no available capacity must not be journaled")

	delta, err := l.Get(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, delta.IsZero(), "delta must not move for a reduce-only order with no available capacity")
}

func TestHandleOpenDeniedByRiskGateStillUpdatesLedger(t *testing.T) {
	calc := &fakeCalculator{ratio: d("1"), minSize: d("0.001")}
	positions := &fakePositions{signed: decimal.Zero}
	orders := &fakeOrders{}
	e, l, j := newTestExecutor(t, calc, positions, orders)

	ev := types.MasterOrderEvent{
		Oid: "m3", Instrument: "BTC", Side: types.SideBuy,
		Price: d("30000"), Size: d("20"), Status: types.MasterStatusOpen,
		Timestamp: time.Now(),
	}
	require.NoError(t, e.HandleMasterOrder(context.Background(), ev))

	assert.Empty(t, orders.placements)
	entry, _, err := j.Get(context.Background(), "m3")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSkippedRisk, entry.Outcome)

	delta, err := l.Get(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, delta.Equal(d("20")))
}

func TestHandleOpenDuplicateEventIsIgnored(t *testing.T) {
	calc := &fakeCalculator{ratio: d("0.1"), minSize: d("0.001")}
	positions := &fakePositions{signed: decimal.Zero}
	orders := &fakeOrders{}
	e, _, _ := newTestExecutor(t, calc, positions, orders)

	ev := types.MasterOrderEvent{
		Oid: "m4", Instrument: "BTC", Side: types.SideBuy,
		Price: d("30000"), Size: d("1"), Status: types.MasterStatusOpen,
		Timestamp: time.Now(),
	}
	require.NoError(t, e.HandleMasterOrder(context.Background(), ev))
	require.NoError(t, e.HandleMasterOrder(context.Background(), ev))

	assert.Len(t, orders.placements, 1)
}

func TestHandleCanceledDeletesMapping(t *testing.T) {
	calc := &fakeCalculator{ratio: d("0.1"), minSize: d("0.001")}
	positions := &fakePositions{signed: decimal.Zero}
	orders := &fakeOrders{}
	e, _, _ := newTestExecutor(t, calc, positions, orders)

	open := types.MasterOrderEvent{
		Oid: "m5", Instrument: "BTC", Side: types.SideBuy,
		Price: d("30000"), Size: d("1"), Status: types.MasterStatusOpen,
		Timestamp: time.Now(),
	}
	require.NoError(t, e.HandleMasterOrder(context.Background(), open))
	require.Len(t, orders.placements, 1)

	canceled := open
	canceled.Status = types.MasterStatusCanceled
	require.NoError(t, e.HandleMasterOrder(context.Background(), canceled))
	assert.Len(t, orders.canceled, 1)

	_, ok, err := e.mapper.LookupFollower(context.Background(), "m5")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHandleMasterFillOppositeDirectionIsSkipped(t *testing.T) {
	calc := &fakeCalculator{ratio: d("1"), minSize: d("0.001")}
	positions := &fakePositions{signed: decimal.Zero}
	orders := &fakeOrders{}
	e, l, j := newTestExecutor(t, calc, positions, orders)

	// Seed an opposite-signed pending delta so totalS changes sign.
	_, err := l.Add(context.Background(), "BTC", d("-5"))
	require.NoError(t, err)

	fill := types.MasterFillEvent{
		Instrument: "BTC", Side: types.SideBuy, Price: d("30000"), Size: d("1"),
		Timestamp: time.Now(), Taker: true,
	}
	require.NoError(t, e.HandleMasterFill(context.Background(), fill))

	assert.Empty(t, orders.placements)
	entry, _, err := j.Get(context.Background(), fill.EventID())
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeSkippedDirection, entry.Outcome)
}

func TestHandleMasterFillPlacesMarketOrder(t *testing.T) {
	calc := &fakeCalculator{ratio: d("0.1"), minSize: d("0.001")}
	positions := &fakePositions{signed: decimal.Zero}
	orders := &fakeOrders{}
	e, _, j := newTestExecutor(t, calc, positions, orders)

	fill := types.MasterFillEvent{
		Instrument: "BTC", Side: types.SideBuy, Price: d("30000"), Size: d("1"),
		Timestamp: time.Now(), Taker: true,
	}
	require.NoError(t, e.HandleMasterFill(context.Background(), fill))

	require.Len(t, orders.placements, 1)
	entry, seen, err := j.Get(context.Background(), fill.EventID())
	require.NoError(t, err)
	require.True(t, seen)
	assert.Equal(t, types.OutcomePlaced, entry.Outcome)
}

func TestShouldEnforce(t *testing.T) {
	assert.False(t, shouldEnforce(decimal.Zero))
	assert.True(t, shouldEnforce(d("0.0001")))
	assert.True(t, shouldEnforce(d("-0.0001")))
}
