package master

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenOrdersParsesAndSkipsUnparseable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"oid": 1, "coin": "BTC", "side": "B", "limitPx": "30000", "sz": "0.01", "reduceOnly": false},
			{"oid": 2, "coin": "BTC", "side": "A", "limitPx": "bogus", "sz": "0.01"}
		]`))
	}))
	defer srv.Close()

	c := NewSnapshotClient(srv.URL)
	orders, err := c.OpenOrders(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "1", orders[0].ID)
	assert.Equal(t, "BTC", orders[0].Instrument)
	assert.Equal(t, "30000", orders[0].Price.String())
}

func TestPositionReturnsZeroWhenInstrumentAbsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"assetPositions": [{"position": {"coin": "ETH", "szi": "1.5"}}], "marginSummary": {"accountValue": "1000"}}`))
	}))
	defer srv.Close()

	c := NewSnapshotClient(srv.URL)
	pos, err := c.Position(context.Background(), "0xabc", "BTC")
	require.NoError(t, err)
	assert.True(t, pos.IsZero())
}

func TestPositionReturnsSignedSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"assetPositions": [{"position": {"coin": "BTC", "szi": "-0.5"}}]}`))
	}))
	defer srv.Close()

	c := NewSnapshotClient(srv.URL)
	pos, err := c.Position(context.Background(), "0xabc", "BTC")
	require.NoError(t, err)
	assert.Equal(t, "-0.5", pos.String())
}

func TestEquityParsesAccountValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"marginSummary": {"accountValue": "12345.67"}}`))
	}))
	defer srv.Close()

	c := NewSnapshotClient(srv.URL)
	eq, err := c.Equity(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "12345.67", eq.String())
}

func TestPositionSourceDelegatesToClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"assetPositions": [{"position": {"coin": "BTC", "szi": "2"}}]}`))
	}))
	defer srv.Close()

	c := NewSnapshotClient(srv.URL)
	ps := NewPositionSource(c, "0xabc")
	pos, err := ps.SignedPosition(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Equal(t, "2", pos.String())
}
