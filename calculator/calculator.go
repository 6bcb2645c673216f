// Package calculator is the Position Calculator: a pure translation from
// Master-venue size to Follower-venue size (spec §4.3). It holds no
// durable state of its own beyond a short equity cache used to cap API
// load under Equal mode.
package calculator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/internal/config"
	"github.com/uykb/hypefollow/internal/types"
)

// EquitySource supplies the equity figures Equal mode needs. Both methods
// are external calls and must be treated as suspension points.
type EquitySource interface {
	MasterEquity(ctx context.Context) (decimal.Decimal, error)
	FollowerEquity(ctx context.Context) (decimal.Decimal, error)
}

// Calculator translates Master sizes into Follower sizes under the
// configured sizing mode.
type Calculator struct {
	mode        config.TradingMode
	fixedRatio  decimal.Decimal
	equalRatio  decimal.Decimal
	cacheTTL    time.Duration
	instruments map[string]types.Instrument
	equity      EquitySource

	mu         sync.Mutex
	cachedAt   time.Time
	masterEq   decimal.Decimal
	followerEq decimal.Decimal
}

// New constructs a Calculator. instruments supplies per-symbol precision
// and minimum-size policy.
func New(cfg *config.Config, instruments map[string]types.Instrument, equity EquitySource) *Calculator {
	return &Calculator{
		mode:        cfg.TradingMode,
		fixedRatio:  cfg.FixedRatio,
		equalRatio:  cfg.EqualRatio,
		cacheTTL:    cfg.AccountCacheTTL,
		instruments: instruments,
		equity:      equity,
	}
}

// ratio returns the scalar applied to Master size to obtain Follower
// size, refreshing the cached equity snapshot under Equal mode when
// stale.
func (c *Calculator) ratio(ctx context.Context) (decimal.Decimal, error) {
	if c.mode == config.ModeFixed {
		return c.fixedRatio, nil
	}
	masterEq, followerEq, err := c.equitySnapshot(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if masterEq.IsZero() {
		return decimal.Zero, fmt.Errorf("calculator: master equity is zero, cannot compute equal-mode ratio")
	}
	return followerEq.Div(masterEq).Mul(c.equalRatio), nil
}

func (c *Calculator) equitySnapshot(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	c.mu.Lock()
	fresh := time.Since(c.cachedAt) < c.cacheTTL
	master, follower := c.masterEq, c.followerEq
	c.mu.Unlock()
	if fresh {
		return master, follower, nil
	}

	masterEq, err := c.equity.MasterEquity(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("calculator: master equity: %w", err)
	}
	followerEq, err := c.equity.FollowerEquity(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("calculator: follower equity: %w", err)
	}

	c.mu.Lock()
	c.masterEq, c.followerEq, c.cachedAt = masterEq, followerEq, time.Now()
	c.mu.Unlock()
	return masterEq, followerEq, nil
}

// Translate converts masterSize (unsigned) into a Follower-unit quantity
// for the given instrument and action type, per spec §4.3: scale by the
// mode's ratio, truncate toward zero to the instrument's precision, then
// round to nearest, then apply the minimum-size policy. A nil result
// (ok == false) means the quantity rounded below the venue minimum; the
// caller (the Executor) decides whether to enforce.
func (c *Calculator) Translate(ctx context.Context, instrument string, masterSize decimal.Decimal, action types.ActionType) (decimal.Decimal, bool, error) {
	inst, ok := c.instruments[instrument]
	if !ok {
		return decimal.Zero, false, fmt.Errorf("calculator: unknown instrument %s", instrument)
	}

	ratio, err := c.ratio(ctx)
	if err != nil {
		return decimal.Zero, false, err
	}

	scaled := masterSize.Mul(ratio)
	rounded := scaled.Truncate(inst.QuantityDecimals).Round(inst.QuantityDecimals)

	minSize := inst.MinOrderSize(action)
	if rounded.LessThan(minSize) {
		return decimal.Zero, false, nil
	}
	return rounded, true, nil
}

// MinSize returns the venue minimum for instrument/action, used by the
// Executor's enforcement path (spec §4.5 step 7).
func (c *Calculator) MinSize(instrument string, action types.ActionType) (decimal.Decimal, error) {
	inst, ok := c.instruments[instrument]
	if !ok {
		return decimal.Zero, fmt.Errorf("calculator: unknown instrument %s", instrument)
	}
	return inst.MinOrderSize(action), nil
}

// ReverseTranslate converts a Follower-unit quantity back into its
// Master-unit equivalent under the same equity snapshot semantics,
// used for orphan-fill adjustments (spec §4.3 "reverse translation").
func (c *Calculator) ReverseTranslate(ctx context.Context, followerSize decimal.Decimal) (decimal.Decimal, error) {
	ratio, err := c.ratio(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if ratio.IsZero() {
		return decimal.Zero, fmt.Errorf("calculator: ratio is zero, cannot reverse-translate")
	}
	return followerSize.Div(ratio), nil
}

// SnapPrice rounds masterPrice to the Follower's tick size — spec §8
// "Price snapping: follower price equals round(masterPx / tick) × tick
// rendered with exactly decimals(tick) digits."
func (c *Calculator) SnapPrice(instrument string, masterPrice decimal.Decimal) (decimal.Decimal, error) {
	inst, ok := c.instruments[instrument]
	if !ok {
		return decimal.Zero, fmt.Errorf("calculator: unknown instrument %s", instrument)
	}
	if inst.PriceTick.IsZero() {
		return masterPrice, nil
	}
	ticks := masterPrice.DivRound(inst.PriceTick, 0)
	snapped := ticks.Mul(inst.PriceTick)
	return snapped.Round(tickDecimals(inst.PriceTick)), nil
}

func tickDecimals(tick decimal.Decimal) int32 {
	s := tick.String()
	for i, ch := range s {
		if ch == '.' {
			return int32(len(s) - i - 1)
		}
	}
	return 0
}
