package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/internal/types"
	"github.com/uykb/hypefollow/ledger"
	"github.com/uykb/hypefollow/mapper"
)

// ReverseTranslator is the subset of calculator.Calculator the orphan
// fill path needs — converting a realized Follower fill size back into
// its Master-unit equivalent.
type ReverseTranslator interface {
	ReverseTranslate(ctx context.Context, followerSize decimal.Decimal) (decimal.Decimal, error)
}

// FillHandler applies the Orphan Fill side of the Follower execution
// stream (spec §4.6): a Follower fill on a mapped order is evidence the
// Follower has moved ahead of the Master's own Filled notification.
type FillHandler struct {
	mapper   *mapper.Mapper
	ledger   *ledger.Ledger
	recorder *Recorder
	reverse  ReverseTranslator
}

// NewFillHandler constructs a FillHandler.
func NewFillHandler(m *mapper.Mapper, l *ledger.Ledger, recorder *Recorder, reverse ReverseTranslator) *FillHandler {
	return &FillHandler{mapper: m, ledger: l, recorder: recorder, reverse: reverse}
}

// HandleFollowerFill processes a Filled or PartiallyFilled Follower
// execution report. Reports whose followerOrderId carries no Mapper
// binding belong to orders the Executor never mirrored (e.g. the
// Rebalancer's own reduce-only orders) and are not Δ-tracked.
func (h *FillHandler) HandleFollowerFill(ctx context.Context, report types.FollowerExecReport) error {
	if report.Status != types.FollowerStatusFilled && report.Status != types.FollowerStatusPartiallyFilled {
		return nil
	}

	binding, ok, err := h.mapper.LookupMaster(ctx, report.FollowerOrderID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	masterEquivalent, err := h.reverse.ReverseTranslate(ctx, report.LastFillSize)
	if err != nil {
		return fmt.Errorf("reconcile: reverse-translate fill on %s: %w", report.FollowerOrderID, err)
	}
	signed := masterEquivalent
	if report.Side == types.SideSell {
		signed = signed.Neg()
	}

	if _, err := h.ledger.Add(ctx, binding.Instrument, signed.Neg()); err != nil {
		return err
	}

	existing, resolved, err := h.recorder.Peek(ctx, binding.MasterOid)
	if err != nil {
		return err
	}
	toAdd := signed
	if resolved {
		toAdd = existing.MasterSizeEquivalent.Add(signed)
	}
	return h.recorder.Record(ctx, binding.MasterOid, OrphanFillRecord{
		Instrument:           binding.Instrument,
		FollowerOrderID:      report.FollowerOrderID,
		MasterSizeEquivalent: toAdd,
	})
}
