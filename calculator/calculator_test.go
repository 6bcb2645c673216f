package calculator

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uykb/hypefollow/internal/config"
	"github.com/uykb/hypefollow/internal/types"
)

type fakeEquity struct {
	master, follower decimal.Decimal
}

func (f fakeEquity) MasterEquity(context.Context) (decimal.Decimal, error)   { return f.master, nil }
func (f fakeEquity) FollowerEquity(context.Context) (decimal.Decimal, error) { return f.follower, nil }

func btcInstrument() map[string]types.Instrument {
	return map[string]types.Instrument{
		"BTC": {
			Symbol:            "BTC",
			QuantityDecimals:  3,
			PriceTick:         decimal.NewFromFloat(0.1),
			MinOrderSizeOpen:  decimal.NewFromFloat(0.002),
			MinOrderSizeClose: decimal.NewFromFloat(0.002),
			MaxAbsPosition:    decimal.NewFromFloat(1),
		},
	}
}

func TestFixedModeBasicMirror(t *testing.T) {
	cfg := &config.Config{TradingMode: config.ModeFixed, FixedRatio: decimal.NewFromFloat(0.1)}
	c := New(cfg, btcInstrument(), fakeEquity{})

	q, ok, err := c.Translate(context.Background(), "BTC", decimal.NewFromFloat(0.02), types.ActionOpen)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, decimal.NewFromFloat(0.002).Equal(q), "got %s", q)
}

func TestFixedModeBelowMinimumReturnsNotOK(t *testing.T) {
	cfg := &config.Config{TradingMode: config.ModeFixed, FixedRatio: decimal.NewFromFloat(0.1)}
	c := New(cfg, btcInstrument(), fakeEquity{})

	_, ok, err := c.Translate(context.Background(), "BTC", decimal.NewFromFloat(0.01), types.ActionOpen)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEqualModeScalesByEquityRatio(t *testing.T) {
	cfg := &config.Config{TradingMode: config.ModeEqual, EqualRatio: decimal.NewFromFloat(1)}
	c := New(cfg, btcInstrument(), fakeEquity{
		master:   decimal.NewFromFloat(100000),
		follower: decimal.NewFromFloat(10000),
	})

	q, ok, err := c.Translate(context.Background(), "BTC", decimal.NewFromFloat(1), types.ActionOpen)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, decimal.NewFromFloat(0.1).Equal(q), "got %s", q)
}

func TestSnapPriceRoundsToTick(t *testing.T) {
	cfg := &config.Config{TradingMode: config.ModeFixed, FixedRatio: decimal.NewFromFloat(0.1)}
	c := New(cfg, btcInstrument(), fakeEquity{})

	p, err := c.SnapPrice("BTC", decimal.NewFromFloat(30000.04))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(30000.0).Equal(p), "got %s", p)
}

func TestReverseTranslateIsReciprocal(t *testing.T) {
	cfg := &config.Config{TradingMode: config.ModeFixed, FixedRatio: decimal.NewFromFloat(0.1)}
	c := New(cfg, btcInstrument(), fakeEquity{})

	master, err := c.ReverseTranslate(context.Background(), decimal.NewFromFloat(0.002))
	require.NoError(t, err)
	assert.True(t, decimal.NewFromFloat(0.02).Equal(master), "got %s", master)
}
