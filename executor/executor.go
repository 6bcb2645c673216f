// Package executor is the Order Executor: the central per-event state
// machine that decides, for every Master event, whether to place,
// replace, or suppress a Follower order (spec §4.5). It issues the
// Follower venue calls for Master events; the rebalancer and the
// startup reconciler make their own place and cancel calls.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/internal/obsv"
	"github.com/uykb/hypefollow/internal/types"
	"github.com/uykb/hypefollow/journal"
	"github.com/uykb/hypefollow/ledger"
	"github.com/uykb/hypefollow/mapper"
	"github.com/uykb/hypefollow/reconcile"
	"github.com/uykb/hypefollow/risk"
	"github.com/uykb/hypefollow/store"
)

var execLog = log.With().Str("component", "executor").Logger()

// lockTTL bounds the per-oid lock's lifetime — spec §5 "a per-oid
// short-lived lock (time-bounded, ~10s)".
const lockTTL = 10 * time.Second

const lockPrefix = "orderLock:"

// epsilon is the tolerance below which a size is treated as zero — spec
// §4.5(c) "If |S| is below epsilon".
var epsilon = decimal.New(1, -8)

// Calculator is the subset of calculator.Calculator the Executor needs.
type Calculator interface {
	Translate(ctx context.Context, instrument string, masterSize decimal.Decimal, action types.ActionType) (decimal.Decimal, bool, error)
	MinSize(instrument string, action types.ActionType) (decimal.Decimal, error)
	SnapPrice(instrument string, masterPrice decimal.Decimal) (decimal.Decimal, error)
}

// FollowerPositions reports the Follower's live position and
// reduce-only exposure, both suspension points (spec §5).
type FollowerPositions interface {
	SignedPosition(ctx context.Context, instrument string) (decimal.Decimal, error)
	OpenReduceOnlySameSide(ctx context.Context, instrument string, side types.Side) (decimal.Decimal, error)
}

// FollowerOrders issues placements/cancellations on the Follower venue.
type FollowerOrders interface {
	PlaceLimit(ctx context.Context, instrument string, side types.Side, price, size decimal.Decimal, reduceOnly bool, clientOrderID string) (string, error)
	PlaceMarket(ctx context.Context, instrument string, side types.Side, size decimal.Decimal, reduceOnly bool, clientOrderID string) (string, error)
	Cancel(ctx context.Context, instrument, followerOrderID string) error
	CancelReplaceOrder(ctx context.Context, instrument, cancelOrderID string, side types.Side, price, size decimal.Decimal, reduceOnly bool) (string, error)
}

// Rebalancer is invoked asynchronously after any executed action (spec
// §4.5 step 10, §4.7).
type Rebalancer interface {
	Trigger(instrument string)
}

// OrderStatusQuerier resolves the current Follower status of a single
// order, used to decide whether a duplicate Master Filled event can
// finally drop its mapping (spec §4.5 (b)).
type OrderStatusQuerier interface {
	OrderStatus(ctx context.Context, instrument, followerOrderID string) (types.FollowerExecStatus, error)
}

// Executor wires the Mapper, Ledger, Journal, Calculator, and Risk Gate
// into the central decision flow.
type Executor struct {
	kv         store.KV
	mapper     *mapper.Mapper
	ledger     *ledger.Ledger
	journal    *journal.Journal
	calc       Calculator
	gate       *risk.Gate
	positions  FollowerPositions
	orders     FollowerOrders
	rebalancer Rebalancer
	orphans    *reconcile.Recorder
	status     OrderStatusQuerier
}

// New constructs an Executor.
func New(
	kv store.KV,
	m *mapper.Mapper,
	l *ledger.Ledger,
	j *journal.Journal,
	calc Calculator,
	gate *risk.Gate,
	positions FollowerPositions,
	orders FollowerOrders,
	rebalancer Rebalancer,
	orphans *reconcile.Recorder,
	status OrderStatusQuerier,
) *Executor {
	return &Executor{
		kv: kv, mapper: m, ledger: l, journal: j, calc: calc, gate: gate,
		positions: positions, orders: orders, rebalancer: rebalancer,
		orphans: orphans, status: status,
	}
}

// acquireLock acquires the per-oid lock, returning a release func that
// must be called on every exit path (spec §4.5 step 1, §5).
func (e *Executor) acquireLock(ctx context.Context, oid string) (release func(), ok bool, err error) {
	token := uuid.NewString()
	lockErr := e.kv.SetNX(ctx, lockPrefix+oid, token, lockTTL)
	if errors.Is(lockErr, store.ErrExists) {
		return nil, false, nil
	}
	if lockErr != nil {
		return nil, false, fmt.Errorf("executor: acquire lock %s: %w", oid, lockErr)
	}
	return func() {
		if delErr := e.kv.Delete(ctx, lockPrefix+oid); delErr != nil {
			execLog.Warn().Str("oid", oid).Err(delErr).Msg("failed to release per-oid lock")
		}
	}, true, nil
}

// shouldEnforce is the sole point of change for the enforcement
// predicate (spec §9 open question 3): any nonzero delta triggers
// enforcement.
func shouldEnforce(delta decimal.Decimal) bool {
	return !delta.IsZero()
}

// HandleMasterOrder dispatches a Master order event to the Open or
// terminal-status path (spec §4.5 (a) and (b)).
func (e *Executor) HandleMasterOrder(ctx context.Context, ev types.MasterOrderEvent) error {
	switch ev.Status {
	case types.MasterStatusOpen, types.MasterStatusTriggered:
		return e.handleOpen(ctx, ev)
	case types.MasterStatusCanceled:
		return e.handleCanceled(ctx, ev)
	case types.MasterStatusFilled:
		return e.handleFilled(ctx, ev)
	default:
		return fmt.Errorf("executor: unknown master order status %q", ev.Status)
	}
}

func (e *Executor) handleOpen(ctx context.Context, ev types.MasterOrderEvent) error {
	seen, err := e.journal.Seen(ctx, ev.Oid)
	if err != nil {
		return err
	}
	if seen {
		execLog.Debug().Str("oid", ev.Oid).Msg("duplicate open event, skipping")
		return nil
	}

	release, ok, err := e.acquireLock(ctx, ev.Oid)
	if err != nil {
		return err
	}
	if !ok {
		execLog.Debug().Str("oid", ev.Oid).Msg("lock held, another worker is processing this oid")
		return nil
	}
	defer release()

	// Re-check after acquiring the lock: the event may have been
	// journaled by a racing worker between the first Seen check and lock
	// acquisition.
	seen, err = e.journal.Seen(ctx, ev.Oid)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	s := signedSize(ev.Side, ev.Size)

	delta, err := e.ledger.Get(ctx, ev.Instrument)
	if err != nil {
		return err
	}
	totalS := s.Add(delta)

	followerPos, err := e.positions.SignedPosition(ctx, ev.Instrument)
	if err != nil {
		return err
	}
	action := actionFor(followerPos, s)

	q, qok, err := e.calc.Translate(ctx, ev.Instrument, s.Abs(), action)
	if err != nil {
		return err
	}

	if ev.ReduceOnly {
		var skip bool
		q, qok, skip, err = e.capReduceOnly(ctx, ev, q, qok)
		if err != nil {
			return err
		}
		if skip {
			// No reduce-only capacity available at all: skip entirely,
			// no journal entry, no ledger mutation (spec §4.5 step 6) —
			// safe to retry once the Follower position grows.
			return nil
		}
	}

	enforced := false
	if !qok && shouldEnforce(delta) {
		q, qok, err = e.enforceMinimum(ctx, ev, action)
		if err != nil {
			return err
		}
		enforced = qok
	}

	if !qok {
		if _, err := e.ledger.Add(ctx, ev.Instrument, s); err != nil {
			return err
		}
		obsv.ExecOutcomes.WithLabelValues(string(types.OutcomeSkippedBelowMin), ev.Instrument).Inc()
		return e.journal.Record(ctx, ev.Oid, journal.Entry{
			Outcome:    types.OutcomeSkippedBelowMin,
			MasterSize: s,
			Price:      ev.Price,
		})
	}

	allowed, reason := e.gate.Allow(ev.Instrument, followerPos, q)
	if !allowed {
		execLog.Info().Str("oid", ev.Oid).Str("reason", reason).Msg("risk gate denied placement")
		if _, err := e.ledger.Add(ctx, ev.Instrument, s); err != nil {
			return err
		}
		obsv.ExecOutcomes.WithLabelValues(string(types.OutcomeSkippedRisk), ev.Instrument).Inc()
		return e.journal.Record(ctx, ev.Oid, journal.Entry{
			Outcome:    types.OutcomeSkippedRisk,
			MasterSize: s,
			Price:      ev.Price,
		})
	}

	price, err := e.calc.SnapPrice(ev.Instrument, ev.Price)
	if err != nil {
		return err
	}

	followerOrderID, err := e.orders.PlaceLimit(ctx, ev.Instrument, ev.Side, price, q, ev.ReduceOnly, ev.Oid)
	if err != nil {
		return fmt.Errorf("executor: place limit for oid %s: %w", ev.Oid, err)
	}

	if err := e.mapper.Save(ctx, ev.Oid, followerOrderID, ev.Instrument); err != nil {
		return err
	}

	outcome := types.OutcomePlaced
	if enforced {
		outcome = types.OutcomeEnforced
	}
	obsv.ExecOutcomes.WithLabelValues(string(outcome), ev.Instrument).Inc()
	if err := e.journal.Record(ctx, ev.Oid, journal.Entry{
		Outcome:         outcome,
		FollowerOrderID: followerOrderID,
		MasterSize:      s,
		FollowerSize:    q,
		Price:           price,
	}); err != nil {
		return err
	}

	// Zero out the cleared portion of Δ: consume(S - s) = consume(delta_old).
	if _, err := e.ledger.Consume(ctx, ev.Instrument, totalS.Sub(s)); err != nil {
		return err
	}

	e.rebalancer.Trigger(ev.Instrument)
	return nil
}

// capReduceOnly caps q to the Follower's available reduce-only capacity
// (spec §4.5 step 6). The third return value, skip, reports that no
// reduce-only capacity is available at all: the caller must skip the
// event entirely with no journal entry and no ledger mutation, since
// ordinary below-minimum enforcement does not apply to a reduce-only
// order that has nothing left to reduce.
func (e *Executor) capReduceOnly(ctx context.Context, ev types.MasterOrderEvent, q decimal.Decimal, qok bool) (_ decimal.Decimal, _ bool, skip bool, _ error) {
	if !qok {
		return q, qok, false, nil
	}
	followerPos, err := e.positions.SignedPosition(ctx, ev.Instrument)
	if err != nil {
		return decimal.Zero, false, false, err
	}
	sameSide, err := e.positions.OpenReduceOnlySameSide(ctx, ev.Instrument, ev.Side)
	if err != nil {
		return decimal.Zero, false, false, err
	}
	available := followerPos.Abs().Sub(sameSide)
	if available.IsNegative() {
		available = decimal.Zero
	}
	if q.GreaterThan(available) {
		q = available
	}
	minSize, err := e.calc.MinSize(ev.Instrument, types.ActionClose)
	if err != nil {
		return decimal.Zero, false, false, err
	}
	if available.LessThan(minSize) {
		return decimal.Zero, false, true, nil
	}
	return q, true, false, nil
}

// enforceMinimum attempts placement at the instrument minimum size when
// Δ is nonzero (spec §4.5 step 7).
func (e *Executor) enforceMinimum(ctx context.Context, ev types.MasterOrderEvent, action types.ActionType) (decimal.Decimal, bool, error) {
	minSize, err := e.calc.MinSize(ev.Instrument, action)
	if err != nil {
		return decimal.Zero, false, err
	}
	if minSize.IsZero() {
		return decimal.Zero, false, nil
	}
	if !ev.ReduceOnly {
		return minSize, true, nil
	}
	q, qok, _, err := e.capReduceOnly(ctx, ev, minSize, true)
	return q, qok, err
}

// unknownOrderChecker matches follower.VenueError without importing the
// follower package, avoiding an import cycle.
type unknownOrderChecker interface {
	IsUnknownOrder() bool
}

func (e *Executor) handleCanceled(ctx context.Context, ev types.MasterOrderEvent) error {
	binding, ok, err := e.mapper.LookupFollower(ctx, ev.Oid)
	if err != nil {
		return err
	}
	if !ok {
		execLog.Debug().Str("oid", ev.Oid).Msg("cancel for unmapped oid, ignoring")
		return nil
	}
	if err := e.orders.Cancel(ctx, binding.Instrument, binding.FollowerOrderID); err != nil {
		var uoc unknownOrderChecker
		if !errors.As(err, &uoc) || !uoc.IsUnknownOrder() {
			return fmt.Errorf("executor: cancel %s: %w", ev.Oid, err)
		}
	}
	return e.mapper.Delete(ctx, ev.Oid)
}

func (e *Executor) handleFilled(ctx context.Context, ev types.MasterOrderEvent) error {
	rec, resolved, err := e.orphans.Resolve(ctx, ev.Oid)
	if err != nil {
		return err
	}
	if resolved {
		if _, err := e.ledger.Add(ctx, rec.Instrument, rec.MasterSizeEquivalent); err != nil {
			return err
		}
	}

	binding, ok, err := e.mapper.LookupFollower(ctx, ev.Oid)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	status, err := e.status.OrderStatus(ctx, binding.Instrument, binding.FollowerOrderID)
	if err != nil {
		return err
	}
	if status.IsTerminal() {
		return e.mapper.Delete(ctx, ev.Oid)
	}
	// leave the mapping; a later Filled event for this oid queries the
	// Follower status again and deletes the mapping once it is terminal.
	return nil
}

// HandleMasterFill handles a Master taker fill (spec §4.5 (c)).
func (e *Executor) HandleMasterFill(ctx context.Context, fill types.MasterFillEvent) error {
	eventID := fill.EventID()
	seen, err := e.journal.Seen(ctx, eventID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	s := signedSize(fill.Side, fill.Size)
	delta, err := e.ledger.Get(ctx, fill.Instrument)
	if err != nil {
		return err
	}
	totalS := s.Add(delta)
	directionMatches := sign(s) == sign(totalS)

	if totalS.Abs().LessThan(epsilon) || !directionMatches {
		if _, err := e.ledger.Add(ctx, fill.Instrument, s); err != nil {
			return err
		}
		return e.journal.Record(ctx, eventID, journal.Entry{
			Outcome:    types.OutcomeSkippedDirection,
			MasterSize: s,
			Price:      fill.Price,
		})
	}

	followerPos, err := e.positions.SignedPosition(ctx, fill.Instrument)
	if err != nil {
		return err
	}
	action := actionFor(followerPos, totalS)

	q, qok, err := e.calc.Translate(ctx, fill.Instrument, totalS.Abs(), action)
	if err != nil {
		return err
	}
	if !qok {
		if _, err := e.ledger.Add(ctx, fill.Instrument, s); err != nil {
			return err
		}
		return e.journal.Record(ctx, eventID, journal.Entry{
			Outcome:    types.OutcomeSkippedBelowMin,
			MasterSize: s,
			Price:      fill.Price,
		})
	}

	if action == types.ActionClose && q.GreaterThan(followerPos.Abs()) {
		q = followerPos.Abs()
	}

	allowed, reason := e.gate.Allow(fill.Instrument, followerPos, q)
	if !allowed {
		execLog.Info().Str("eventId", eventID).Str("reason", reason).Msg("risk gate denied fill catch-up")
		if _, err := e.ledger.Add(ctx, fill.Instrument, s); err != nil {
			return err
		}
		return e.journal.Record(ctx, eventID, journal.Entry{
			Outcome:    types.OutcomeSkippedRisk,
			MasterSize: s,
			Price:      fill.Price,
		})
	}

	side := types.SideFromSigned(totalS)
	followerOrderID, err := e.orders.PlaceMarket(ctx, fill.Instrument, side, q, action == types.ActionClose, "")
	if err != nil {
		return fmt.Errorf("executor: place market for %s: %w", eventID, err)
	}

	if err := e.journal.Record(ctx, eventID, journal.Entry{
		Outcome:         types.OutcomePlaced,
		FollowerOrderID: followerOrderID,
		MasterSize:      s,
		FollowerSize:    q,
		Price:           fill.Price,
	}); err != nil {
		return err
	}

	if _, err := e.ledger.Consume(ctx, fill.Instrument, totalS.Sub(s)); err != nil {
		return err
	}

	e.rebalancer.Trigger(fill.Instrument)
	return nil
}

func signedSize(side types.Side, size decimal.Decimal) decimal.Decimal {
	if side == types.SideSell {
		return size.Neg()
	}
	return size
}

func sign(d decimal.Decimal) int {
	switch {
	case d.IsPositive():
		return 1
	case d.IsNegative():
		return -1
	default:
		return 0
	}
}

// actionFor inspects the current Follower signed position P against the
// proposed signed order s to decide whether the action opens or closes
// exposure — spec §4.5 step 4.
func actionFor(followerPosition, s decimal.Decimal) types.ActionType {
	if sign(followerPosition) != 0 && sign(followerPosition) != sign(s) {
		return types.ActionClose
	}
	return types.ActionOpen
}
