package master

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyOrderMapsOpenStatus(t *testing.T) {
	u := rawOrderUpdate{Status: "open", User: "0xabc"}
	u.Order.Oid = 42
	u.Order.Coin = "BTC"
	u.Order.Side = "B"
	u.Order.LimitPx = "30000.0"
	u.Order.Sz = "0.02"

	ev, ok := classifyOrder(u)
	require.True(t, ok)
	assert.Equal(t, "42", ev.Oid)
	assert.Equal(t, "BTC", ev.Instrument)
}

func TestClassifyOrderDropsUnknownStatus(t *testing.T) {
	u := rawOrderUpdate{Status: "weird"}
	_, ok := classifyOrder(u)
	assert.False(t, ok)
}

func TestClassifyFillParsesCrossedSide(t *testing.T) {
	fl := rawFill{Coin: "BTC", Side: "A", Px: "30000", Sz: "0.01", Crossed: true}
	ev, ok := classifyFill(fl)
	require.True(t, ok)
	assert.True(t, ev.Taker)
}

func TestSideFromWire(t *testing.T) {
	assert.Equal(t, "SELL", string(sideFromWire("A")))
	assert.Equal(t, "BUY", string(sideFromWire("B")))
}
