// Package types holds the shared domain vocabulary for the copy-trading
// engine: instrument configuration and the event shapes that cross the
// Master/Follower venue boundary. Kept dependency-free to avoid import
// cycles between mapper, ledger, executor, master, and follower.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a normalized trade direction. Master and Follower venues encode
// side differently on the wire (B/A, BUY/SELL); callers translate at the
// boundary so the core only ever sees Side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for Buy and -1 for Sell, matching spec's signed-size
// convention (s = +size if Buy else -size).
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Opposite returns the closing side for a given side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// SideFromSigned derives a Side from a signed quantity; zero is treated as
// Buy by convention (callers must not rely on zero-side semantics).
func SideFromSigned(signed decimal.Decimal) Side {
	if signed.IsNegative() {
		return SideSell
	}
	return SideBuy
}

// MasterOrderStatus enumerates the lifecycle states of a Master order.
type MasterOrderStatus string

const (
	MasterStatusOpen      MasterOrderStatus = "OPEN"
	MasterStatusCanceled  MasterOrderStatus = "CANCELED"
	MasterStatusFilled    MasterOrderStatus = "FILLED"
	MasterStatusTriggered MasterOrderStatus = "TRIGGERED"
)

// ActionType distinguishes an order that increases exposure (open) from one
// that reduces it (close); the Position Calculator's minimum-size policy is
// keyed on this.
type ActionType string

const (
	ActionOpen  ActionType = "open"
	ActionClose ActionType = "close"
)

// Instrument carries the per-symbol configuration the spec assigns to
// "Instrument" in §3: sizing limits, precision, and risk bounds.
type Instrument struct {
	Symbol string

	// QuantityDecimals is the number of decimal places the Follower venue
	// accepts for order size on this instrument.
	QuantityDecimals int32

	// PriceTick is the Follower venue's minimum price increment.
	PriceTick decimal.Decimal

	// MinOrderSizeOpen / MinOrderSizeClose are the Follower venue's minimum
	// order quantities, which may differ for opening vs. closing orders
	// (spec §6: minOrderSize can be "a scalar or {open, close}").
	MinOrderSizeOpen  decimal.Decimal
	MinOrderSizeClose decimal.Decimal

	// MaxAbsPosition bounds |position| in Follower units (spec §4.4).
	MaxAbsPosition decimal.Decimal

	// ReductionThreshold is the aggressive-rebalance trigger in Follower
	// units (spec §4.7 step 5).
	ReductionThreshold decimal.Decimal
}

// MinOrderSize returns the minimum size for the given action type.
func (i Instrument) MinOrderSize(action ActionType) decimal.Decimal {
	if action == ActionClose {
		return i.MinOrderSizeClose
	}
	return i.MinOrderSizeOpen
}

// MasterOrderEvent is the normalized Master Order Event from spec §3.
type MasterOrderEvent struct {
	Oid          string
	Instrument   string
	Side         Side
	Price        decimal.Decimal
	Size         decimal.Decimal
	Status       MasterOrderStatus
	ReduceOnly   bool
	Timestamp    time.Time
	MasterAccount string
}

// MasterFillEvent is the normalized Master Fill Event from spec §3. Only
// Taker fills are reproducible as independent actions.
type MasterFillEvent struct {
	Instrument string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	Timestamp  time.Time
	Taker      bool
}

// EventID returns the synthetic processed-order-journal key for a fill,
// per spec §3: fill:{instrument}:{timestamp}:{size}.
func (f MasterFillEvent) EventID() string {
	return "fill:" + f.Instrument + ":" + f.Timestamp.UTC().Format(time.RFC3339Nano) + ":" + f.Size.String()
}

// FollowerExecStatus enumerates Follower Execution Report statuses.
type FollowerExecStatus string

const (
	FollowerStatusNew             FollowerExecStatus = "NEW"
	FollowerStatusPartiallyFilled FollowerExecStatus = "PARTIALLY_FILLED"
	FollowerStatusFilled          FollowerExecStatus = "FILLED"
	FollowerStatusCanceled        FollowerExecStatus = "CANCELED"
	FollowerStatusExpired         FollowerExecStatus = "EXPIRED"
	FollowerStatusRejected        FollowerExecStatus = "REJECTED"
)

// IsTerminal reports whether the status is one the Mapper must react to by
// deleting the mapping (spec invariant I4).
func (s FollowerExecStatus) IsTerminal() bool {
	switch s {
	case FollowerStatusFilled, FollowerStatusCanceled, FollowerStatusExpired, FollowerStatusRejected:
		return true
	default:
		return false
	}
}

// FollowerExecReport is the normalized Follower Execution Report from §3.
type FollowerExecReport struct {
	FollowerOrderID string
	Instrument      string
	Side            Side
	Status          FollowerExecStatus
	LastFillPrice   decimal.Decimal
	LastFillSize    decimal.Decimal
	Timestamp       time.Time
}

// OpenOrder is the shape returned by either venue's open-orders snapshot,
// used by startup reconciliation (spec §4.6).
type OpenOrder struct {
	ID         string
	Instrument string
	Side       Side
	Price      decimal.Decimal
	Size       decimal.Decimal
	ReduceOnly bool
}

// ExecOutcome is the closed set of Order Executor outcomes (spec §9
// "sum-typed events"). Persisted in the Processed-Order Journal.
type ExecOutcome string

const (
	OutcomePlaced           ExecOutcome = "PLACED"
	OutcomeEnforced         ExecOutcome = "ENFORCED"
	OutcomeSkippedBelowMin  ExecOutcome = "SKIPPED_BELOW_MIN"
	OutcomeSkippedRisk      ExecOutcome = "SKIPPED_RISK"
	OutcomeSkippedDirection ExecOutcome = "SKIPPED_DIRECTION"
	OutcomeRecovered        ExecOutcome = "RECOVERED"
	OutcomeCanceled         ExecOutcome = "CANCELED"
	OutcomeReplaced         ExecOutcome = "REPLACED"
)
