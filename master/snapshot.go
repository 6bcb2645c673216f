// Package master implements Master Ingest (spec §4.6 "Master venue
// (consumed)"): a streaming subscription to the Master venue with
// automatic reconnect, a startup/recovery snapshot REST client, and
// classification of raw wire messages into types.MasterOrderEvent and
// types.MasterFillEvent.
package master

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/internal/types"
)

var snapshotLog = log.With().Str("component", "master.snapshot").Logger()

// rawOpenOrder mirrors the Master venue's openOrders response shape.
type rawOpenOrder struct {
	Oid        int64  `json:"oid"`
	Coin       string `json:"coin"`
	Side       string `json:"side"` // "B" or "A"
	LimitPx    string `json:"limitPx"`
	Sz         string `json:"sz"`
	ReduceOnly bool   `json:"reduceOnly"`
	Timestamp  int64  `json:"timestamp"`
}

// rawAssetPosition mirrors one entry of clearinghouseState's
// assetPositions, carrying the signed size under "szi".
type rawAssetPosition struct {
	Position struct {
		Coin string `json:"coin"`
		Szi  string `json:"szi"`
	} `json:"position"`
}

type clearinghouseState struct {
	AssetPositions []rawAssetPosition `json:"assetPositions"`
	MarginSummary  struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
}

// SnapshotClient queries the Master venue's POST-based info endpoint for
// open orders and account state — spec §6 "Snapshot endpoint".
type SnapshotClient struct {
	http *resty.Client
}

// NewSnapshotClient constructs a SnapshotClient against baseURL (the
// Master venue's /info endpoint).
func NewSnapshotClient(baseURL string) *SnapshotClient {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second)
	return &SnapshotClient{http: c}
}

// OpenOrders fetches the Master account's current open orders — spec
// §4.6 startup reconciliation step 1.
func (c *SnapshotClient) OpenOrders(ctx context.Context, user string) ([]types.OpenOrder, error) {
	var raw []rawOpenOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"type": "openOrders", "user": user}).
		SetResult(&raw).
		Post("")
	if err != nil {
		return nil, fmt.Errorf("master: openOrders: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("master: openOrders: http %d: %s", resp.StatusCode(), resp.String())
	}

	out := make([]types.OpenOrder, 0, len(raw))
	for _, o := range raw {
		price, err := decimal.NewFromString(o.LimitPx)
		if err != nil {
			snapshotLog.Warn().Int64("oid", o.Oid).Err(err).Msg("skipping open order with unparseable price")
			continue
		}
		size, err := decimal.NewFromString(o.Sz)
		if err != nil {
			snapshotLog.Warn().Int64("oid", o.Oid).Err(err).Msg("skipping open order with unparseable size")
			continue
		}
		out = append(out, types.OpenOrder{
			ID:         fmt.Sprintf("%d", o.Oid),
			Instrument: o.Coin,
			Side:       sideFromWire(o.Side),
			Price:      price,
			Size:       size,
			ReduceOnly: o.ReduceOnly,
		})
	}
	return out, nil
}

// Position returns the Master account's current signed position (in
// Master units) for instrument, read from clearinghouseState — spec
// §4.7 step 1 ("Fetch the Master's current signed position").
func (c *SnapshotClient) Position(ctx context.Context, user, instrument string) (decimal.Decimal, error) {
	var state clearinghouseState
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"type": "clearinghouseState", "user": user}).
		SetResult(&state).
		Post("")
	if err != nil {
		return decimal.Zero, fmt.Errorf("master: clearinghouseState: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("master: clearinghouseState: http %d: %s", resp.StatusCode(), resp.String())
	}

	for _, p := range state.AssetPositions {
		if p.Position.Coin != instrument {
			continue
		}
		szi, err := decimal.NewFromString(p.Position.Szi)
		if err != nil {
			return decimal.Zero, fmt.Errorf("master: parse position size for %s: %w", instrument, err)
		}
		return szi, nil
	}
	return decimal.Zero, nil
}

// Equity returns the Master account's total account value, used by the
// Position Calculator's Equal mode.
func (c *SnapshotClient) Equity(ctx context.Context, user string) (decimal.Decimal, error) {
	var state clearinghouseState
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"type": "clearinghouseState", "user": user}).
		SetResult(&state).
		Post("")
	if err != nil {
		return decimal.Zero, fmt.Errorf("master: equity: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("master: equity: http %d: %s", resp.StatusCode(), resp.String())
	}
	v, err := decimal.NewFromString(state.MarginSummary.AccountValue)
	if err != nil {
		return decimal.Zero, fmt.Errorf("master: parse account value: %w", err)
	}
	return v, nil
}

// PositionSource adapts a SnapshotClient plus a fixed Master account
// address into the single-argument signed-position lookup the
// Rebalancer needs — spec §4.7 step 1.
type PositionSource struct {
	client *SnapshotClient
	user   string
}

// NewPositionSource constructs a PositionSource for the configured
// Master account.
func NewPositionSource(client *SnapshotClient, user string) PositionSource {
	return PositionSource{client: client, user: user}
}

// SignedPosition satisfies rebalancer.MasterPositions.
func (p PositionSource) SignedPosition(ctx context.Context, instrument string) (decimal.Decimal, error) {
	return p.client.Position(ctx, p.user, instrument)
}

func sideFromWire(s string) types.Side {
	if s == "A" {
		return types.SideSell
	}
	return types.SideBuy
}
