package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/internal/types"
	"github.com/uykb/hypefollow/ledger"
	"github.com/uykb/hypefollow/mapper"
)

var startupLog = log.With().Str("component", "reconcile.startup").Logger()

// priceTolerance is the relative tolerance used by price-side match
// recovery — spec §4.6 step 2 "within a small relative tolerance (e.g.
// 1e-4)".
var priceTolerance = decimal.New(1, -4)

// PriceSnapper snaps a Master price to the Follower's tick grid, needed
// before the price-side match comparison.
type PriceSnapper interface {
	SnapPrice(instrument string, masterPrice decimal.Decimal) (decimal.Decimal, error)
}

// MasterSnapshot fetches the Master venue's currently open orders.
type MasterSnapshot interface {
	OpenOrders(ctx context.Context, user string) ([]types.OpenOrder, error)
}

// MasterPositions reports the Master's current signed position per
// instrument, needed to seed the Delta Ledger at startup (spec §3
// "Initialized at startup from the Master's current position
// snapshot… Δ := Master position", §4.2 init()).
type MasterPositions interface {
	SignedPosition(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// FollowerSnapshot fetches the Follower venue's currently open orders
// and cancels a stray one.
type FollowerSnapshot interface {
	OpenOrders(ctx context.Context) ([]types.OpenOrder, error)
	Cancel(ctx context.Context, instrument, followerOrderID string) error
}

// Executor places a fresh mirror for a Master order that survived
// unmapped across the reconnect gap.
type Executor interface {
	HandleMasterOrder(ctx context.Context, ev types.MasterOrderEvent) error
}

// StartupReconciler runs the one-time startup pass that fuses the
// Master and Follower open-order snapshots with the Mapper's state —
// spec §4.6 "Startup Reconciliation". Grounded on the teacher's
// Reconciler.RecoverPositions bookkeeping shape, generalized from a
// database-backed position replay to a live dual-venue snapshot fusion.
type StartupReconciler struct {
	master      MasterSnapshot
	positions   MasterPositions
	follower    FollowerSnapshot
	mapper      *mapper.Mapper
	ledger      *ledger.Ledger
	calc        PriceSnapper
	executor    Executor
	masterUser  string
	instruments []string
}

// NewStartupReconciler constructs a StartupReconciler. instruments lists
// every supported symbol, used to seed the Delta Ledger from positions
// at startup.
func NewStartupReconciler(master MasterSnapshot, positions MasterPositions, follower FollowerSnapshot, m *mapper.Mapper, l *ledger.Ledger, calc PriceSnapper, executor Executor, masterUser string, instruments []string) *StartupReconciler {
	return &StartupReconciler{
		master: master, positions: positions, follower: follower, mapper: m, ledger: l,
		calc: calc, executor: executor, masterUser: masterUser, instruments: instruments,
	}
}

// Run performs the three-step pass described in spec §4.6 step-by-step,
// returning counts for observability logging.
func (s *StartupReconciler) Run(ctx context.Context) (synced, recovered, placed, zombiesCanceled int, err error) {
	if err := s.seedLedger(ctx); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("reconcile: seed delta ledger: %w", err)
	}

	masterOrders, err := s.master.OpenOrders(ctx, s.masterUser)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("reconcile: fetch master open orders: %w", err)
	}
	followerOrders, err := s.follower.OpenOrders(ctx)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("reconcile: fetch follower open orders: %w", err)
	}

	followerByID := make(map[string]types.OpenOrder, len(followerOrders))
	for _, fo := range followerOrders {
		followerByID[fo.ID] = fo
	}
	masterOidSet := make(map[string]struct{}, len(masterOrders))

	for _, mo := range masterOrders {
		masterOidSet[mo.ID] = struct{}{}

		binding, mapped, lookupErr := s.mapper.LookupFollower(ctx, mo.ID)
		if lookupErr != nil {
			return synced, recovered, placed, zombiesCanceled, lookupErr
		}

		if mapped {
			if _, stillOpen := followerByID[binding.FollowerOrderID]; stillOpen {
				synced++
				continue
			}
			if delErr := s.mapper.Delete(ctx, mo.ID); delErr != nil {
				return synced, recovered, placed, zombiesCanceled, delErr
			}
		}

		if match, ok := s.priceMatch(mo, followerOrders); ok {
			if saveErr := s.mapper.Save(ctx, mo.ID, match.ID, mo.Instrument); saveErr != nil {
				return synced, recovered, placed, zombiesCanceled, saveErr
			}
			recovered++
			startupLog.Info().Str("masterOid", mo.ID).Str("followerOrderId", match.ID).Msg("recovered mapping via price-side match")
			continue
		}

		ev := types.MasterOrderEvent{
			Oid: mo.ID, Instrument: mo.Instrument, Side: mo.Side,
			Price: mo.Price, Size: mo.Size, Status: types.MasterStatusOpen,
			ReduceOnly: mo.ReduceOnly,
		}
		if execErr := s.executor.HandleMasterOrder(ctx, ev); execErr != nil {
			startupLog.Error().Err(execErr).Str("masterOid", mo.ID).Msg("startup reconciliation failed to place fresh mirror")
			continue
		}
		placed++
	}

	for _, fo := range followerOrders {
		binding, mapped, lookupErr := s.mapper.LookupMaster(ctx, fo.ID)
		if lookupErr != nil {
			return synced, recovered, placed, zombiesCanceled, lookupErr
		}
		if !mapped {
			continue
		}
		if _, stillOpenOnMaster := masterOidSet[binding.MasterOid]; stillOpenOnMaster {
			continue
		}
		if cancelErr := s.follower.Cancel(ctx, fo.Instrument, fo.ID); cancelErr != nil {
			startupLog.Warn().Err(cancelErr).Str("followerOrderId", fo.ID).Msg("failed to cancel zombie follower order")
			continue
		}
		if delErr := s.mapper.Delete(ctx, binding.MasterOid); delErr != nil {
			return synced, recovered, placed, zombiesCanceled, delErr
		}
		zombiesCanceled++
	}

	startupLog.Info().Int("synced", synced).Int("recovered", recovered).Int("placed", placed).Int("zombiesCanceled", zombiesCanceled).Msg("startup reconciliation complete")
	return synced, recovered, placed, zombiesCanceled, nil
}

// seedLedger initializes the Delta Ledger from the Master's current
// signed position for every supported instrument — spec §3 "Δ :=
// Master position" — so exposure the Master already holds when the
// engine boots is mirrored from the first event onward (I3 at t0).
func (s *StartupReconciler) seedLedger(ctx context.Context) error {
	for _, instrument := range s.instruments {
		pos, err := s.positions.SignedPosition(ctx, instrument)
		if err != nil {
			return fmt.Errorf("fetch master position for %s: %w", instrument, err)
		}
		if err := s.ledger.Init(ctx, instrument, pos); err != nil {
			return fmt.Errorf("init ledger for %s: %w", instrument, err)
		}
	}
	return nil
}

// priceMatch scans followerOrders for one on the same instrument/side
// whose price matches mo's Master price (after tick-snapping) within
// priceTolerance — spec §4.6 step 2 "price-side match recovery".
func (s *StartupReconciler) priceMatch(mo types.OpenOrder, followerOrders []types.OpenOrder) (types.OpenOrder, bool) {
	snapped, err := s.calc.SnapPrice(mo.Instrument, mo.Price)
	if err != nil {
		return types.OpenOrder{}, false
	}
	for _, fo := range followerOrders {
		if fo.Instrument != mo.Instrument || fo.Side != mo.Side {
			continue
		}
		if relativeDiff(fo.Price, snapped).LessThanOrEqual(priceTolerance) {
			return fo, true
		}
	}
	return types.OpenOrder{}, false
}

func relativeDiff(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return a.Abs()
	}
	return a.Sub(b).Abs().Div(b.Abs())
}
