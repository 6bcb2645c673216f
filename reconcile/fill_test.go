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

type tenfoldReverse struct{}

func (tenfoldReverse) ReverseTranslate(_ context.Context, followerSize decimal.Decimal) (decimal.Decimal, error) {
	return followerSize.Mul(decimal.RequireFromString("10")), nil
}

func TestHandleFollowerFillAppliesProvisionalDelta(t *testing.T) {
	kv := memkv.New()
	m := mapper.New(kv)
	l := ledger.New(kv)
	rec := NewRecorder(kv)
	h := NewFillHandler(m, l, rec, tenfoldReverse{})
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "m1", "f1", "BTC"))

	report := types.FollowerExecReport{
		FollowerOrderID: "f1", Instrument: "BTC", Side: types.SideBuy,
		Status: types.FollowerStatusFilled, LastFillSize: decimal.RequireFromString("0.1"),
	}
	require.NoError(t, h.HandleFollowerFill(ctx, report))

	delta, err := l.Get(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, delta.Equal(decimal.RequireFromString("-1")), "Δ should be pre-credited negatively by the master-unit equivalent")

	orphan, ok, err := rec.Peek(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, orphan.MasterSizeEquivalent.Equal(decimal.RequireFromString("1")))
}

func TestHandleFollowerFillIgnoresUnmappedOrder(t *testing.T) {
	kv := memkv.New()
	m := mapper.New(kv)
	l := ledger.New(kv)
	rec := NewRecorder(kv)
	h := NewFillHandler(m, l, rec, tenfoldReverse{})
	ctx := context.Background()

	report := types.FollowerExecReport{
		FollowerOrderID: "unmapped", Instrument: "BTC", Side: types.SideBuy,
		Status: types.FollowerStatusFilled, LastFillSize: decimal.RequireFromString("0.1"),
	}
	require.NoError(t, h.HandleFollowerFill(ctx, report))

	delta, err := l.Get(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, delta.IsZero())
}

func TestHandleFollowerFillIgnoresNonFillStatuses(t *testing.T) {
	kv := memkv.New()
	m := mapper.New(kv)
	l := ledger.New(kv)
	rec := NewRecorder(kv)
	h := NewFillHandler(m, l, rec, tenfoldReverse{})
	ctx := context.Background()
	require.NoError(t, m.Save(ctx, "m1", "f1", "BTC"))

	report := types.FollowerExecReport{FollowerOrderID: "f1", Instrument: "BTC", Status: types.FollowerStatusNew}
	require.NoError(t, h.HandleFollowerFill(ctx, report))

	delta, err := l.Get(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, delta.IsZero())
}
