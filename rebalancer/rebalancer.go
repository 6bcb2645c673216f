// Package rebalancer implements the Exposure Rebalancer (spec §4.7): a
// background corrective pass triggered after any Executor action that
// trims Follower over-exposure accumulated from rounding/enforcement
// drift back toward the Fixed-mode target, via a single anchored
// reduce-only limit order per instrument.
package rebalancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/internal/config"
	"github.com/uykb/hypefollow/internal/obsv"
	"github.com/uykb/hypefollow/internal/types"
	"github.com/uykb/hypefollow/store"
)

var rebalLog = log.With().Str("component", "rebalancer").Logger()

// profitTarget is the small markup/markdown applied to the anchor entry
// price when computing the reduce-only limit price — spec §4.7 step 7
// "a small profit target (e.g. 0.01%)".
var profitTarget = decimal.New(1, -4)

// epsilon matches the Executor's dust tolerance.
var epsilon = decimal.New(1, -8)

const anchorPrefix = "rebalance:tp:"

// MasterPositions reports the Master's current signed position,
// authoritative for Fixed-mode target computation (spec §4.7 step 1).
type MasterPositions interface {
	SignedPosition(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// FollowerPositions reports the Follower's signed position, entry
// price, and open reduce-only same-close-side quantity.
type FollowerPositions interface {
	SignedPosition(ctx context.Context, instrument string) (decimal.Decimal, error)
	EntryPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
	OpenReduceOnlySameSide(ctx context.Context, instrument string, side types.Side) (decimal.Decimal, error)
}

// FollowerOrders places and cancels the anchored reduce-only order.
type FollowerOrders interface {
	PlaceLimit(ctx context.Context, instrument string, side types.Side, price, size decimal.Decimal, reduceOnly bool, clientOrderID string) (string, error)
	Cancel(ctx context.Context, instrument, followerOrderID string) error
}

// Rebalancer computes and maintains the anchored reduce-only order for
// every instrument whose exposure has drifted from its Fixed-mode
// target.
type Rebalancer struct {
	mode        config.TradingMode
	fixedRatio  decimal.Decimal
	instruments map[string]types.Instrument

	master   MasterPositions
	follower FollowerPositions
	orders   FollowerOrders
	kv       store.KV

	mu   sync.Mutex
	jobs chan string
	stop chan struct{}
}

// New constructs a Rebalancer. Call Run to drain triggers on a
// background goroutine; Trigger is safe to call from any Executor path.
func New(cfg *config.Config, instruments map[string]types.Instrument, master MasterPositions, follower FollowerPositions, orders FollowerOrders, kv store.KV) *Rebalancer {
	return &Rebalancer{
		mode: cfg.TradingMode, fixedRatio: cfg.FixedRatio, instruments: instruments,
		master: master, follower: follower, orders: orders, kv: kv,
		jobs: make(chan string, 256), stop: make(chan struct{}),
	}
}

// Trigger enqueues instrument for a rebalance pass — spec §4.7 "Triggered
// after any executed Executor action". Non-blocking: a full queue drops
// the trigger, since a later one will re-evaluate the same state.
func (r *Rebalancer) Trigger(instrument string) {
	select {
	case r.jobs <- instrument:
	default:
		rebalLog.Warn().Str("instrument", instrument).Msg("rebalance queue full, dropping trigger")
	}
}

// Run drains triggered instruments until ctx is canceled or Stop is
// called, logging and continuing past any single instrument's error so
// one bad pass never wedges the others.
func (r *Rebalancer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case instrument := <-r.jobs:
			if err := r.Rebalance(ctx, instrument); err != nil {
				rebalLog.Error().Err(err).Str("instrument", instrument).Msg("rebalance pass failed")
			}
		}
	}
}

// Stop terminates Run.
func (r *Rebalancer) Stop() {
	close(r.stop)
}

// Rebalance runs one synchronous pass for instrument — spec §4.7 steps
// 1-8.
func (r *Rebalancer) Rebalance(ctx context.Context, instrument string) error {
	inst, ok := r.instruments[instrument]
	if !ok {
		return fmt.Errorf("rebalancer: unknown instrument %s", instrument)
	}

	if r.mode != config.ModeFixed {
		// Equal mode equity-drift rebalancing is out of scope in this
		// revision (spec §4.7 step 2).
		rebalLog.Debug().Str("instrument", instrument).Msg("equal mode: exposure rebalancing disabled")
		return nil
	}

	masterPos, err := r.master.SignedPosition(ctx, instrument)
	if err != nil {
		return err
	}
	target := masterPos.Mul(r.fixedRatio)

	followerPos, err := r.follower.SignedPosition(ctx, instrument)
	if err != nil {
		return err
	}
	entry, err := r.follower.EntryPrice(ctx, instrument)
	if err != nil {
		return err
	}

	closeSide := closeSideFor(followerPos)
	sameSide, err := r.follower.OpenReduceOnlySameSide(ctx, instrument, closeSide)
	if err != nil {
		return err
	}

	excess := followerPos.Abs().Sub(target.Abs())
	uncovered := decimal.Zero
	if d := followerPos.Abs().Sub(sameSide); d.IsPositive() {
		uncovered = d
	}

	var quantityToReduce decimal.Decimal
	switch {
	case uncovered.GreaterThanOrEqual(inst.ReductionThreshold) && inst.ReductionThreshold.IsPositive():
		quantityToReduce = uncovered.Div(decimal.NewFromInt(2)).Truncate(inst.QuantityDecimals)
	case excess.GreaterThan(epsilon) && uncovered.GreaterThan(epsilon):
		quantityToReduce = decimal.Min(excess, uncovered).Round(inst.QuantityDecimals)
	default:
		quantityToReduce = decimal.Zero
	}

	if quantityToReduce.LessThanOrEqual(epsilon) {
		return nil
	}

	price := profitPrice(entry, closeSide)

	return r.replaceAnchor(ctx, instrument, closeSide, price, quantityToReduce)
}

// profitPrice computes entry × (1 ± p) — spec §4.7 step 7. A Sell close
// (long position being trimmed) targets above entry; a Buy close
// (short position being trimmed) targets below entry.
func profitPrice(entry decimal.Decimal, closeSide types.Side) decimal.Decimal {
	if closeSide == types.SideSell {
		return entry.Mul(decimal.NewFromInt(1).Add(profitTarget))
	}
	return entry.Mul(decimal.NewFromInt(1).Sub(profitTarget))
}

// closeSideFor returns the side that reduces a position of the given
// sign — spec §4.7 step 7 "choose close side (opposite of position
// sign)".
func closeSideFor(signedPosition decimal.Decimal) types.Side {
	if signedPosition.IsNegative() {
		return types.SideBuy
	}
	return types.SideSell
}

// replaceAnchor cancels the previously anchored reduce-only order for
// instrument, if any, then places a new one and stores its id as the
// new anchor — spec §4.7 step 8.
func (r *Rebalancer) replaceAnchor(ctx context.Context, instrument string, side types.Side, price, size decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := anchorPrefix + instrument
	if prev, err := r.kv.Get(ctx, key); err == nil && prev != "" {
		if cancelErr := r.orders.Cancel(ctx, instrument, prev); cancelErr != nil {
			rebalLog.Warn().Err(cancelErr).Str("instrument", instrument).Str("anchor", prev).Msg("failed to cancel previous rebalance anchor, continuing")
		}
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	newAnchor, err := r.orders.PlaceLimit(ctx, instrument, side, price, size, true, "")
	if err != nil {
		return fmt.Errorf("rebalancer: place anchor for %s: %w", instrument, err)
	}

	if err := r.kv.Set(ctx, key, newAnchor, 24*time.Hour); err != nil {
		return fmt.Errorf("rebalancer: store anchor for %s: %w", instrument, err)
	}
	rebalLog.Info().Str("instrument", instrument).Str("anchor", newAnchor).Str("size", size.String()).Str("price", price.String()).Msg("rebalance anchor placed")
	obsv.RebalancePlacements.WithLabelValues(instrument).Inc()
	return nil
}
