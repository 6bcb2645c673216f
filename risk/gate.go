// Package risk implements the Risk Gate: synchronous, no-I/O predicates
// the Order Executor consults before placing a Follower order (spec
// §4.4). Violations are never fatal — the Executor treats a denial as a
// miss that still updates the Delta Ledger.
package risk

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/internal/types"
)

// Gate is the centralized, synchronous risk approval surface.
type Gate struct {
	mu          sync.RWMutex
	instruments map[string]types.Instrument
	emergency   *EmergencyStop
}

// New constructs a Gate over the configured instrument whitelist. An
// instrument absent from the map is simply unsupported.
func New(instruments map[string]types.Instrument, emergency *EmergencyStop) *Gate {
	return &Gate{instruments: instruments, emergency: emergency}
}

// Supported reports whether instrument is in the configured whitelist —
// spec §4.4 supported().
func (g *Gate) Supported(instrument string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.instruments[instrument]
	return ok
}

// EmergencyStopActive reports whether the global kill-switch is tripped
// — spec §4.4 emergencyStopActive().
func (g *Gate) EmergencyStopActive() bool {
	return g.emergency.Active()
}

// WithinPositionLimit reports whether |currentSignedPosition| +
// proposedSize stays within the instrument's configured maximum absolute
// position — spec §4.4 withinPositionLimit().
func (g *Gate) WithinPositionLimit(instrument string, currentSignedPosition, proposedSize decimal.Decimal) bool {
	g.mu.RLock()
	inst, ok := g.instruments[instrument]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	if inst.MaxAbsPosition.IsZero() {
		return true
	}
	projected := currentSignedPosition.Abs().Add(proposedSize)
	return projected.LessThanOrEqual(inst.MaxAbsPosition)
}

// Allow runs the full Risk Gate for a proposed placement, combining all
// three predicates the way the Executor invokes them in sequence (spec
// §4.5 step 8).
func (g *Gate) Allow(instrument string, currentSignedPosition, proposedSize decimal.Decimal) (ok bool, reason string) {
	if !g.Supported(instrument) {
		return false, "instrument not supported"
	}
	if g.EmergencyStopActive() {
		return false, "emergency stop active"
	}
	if !g.WithinPositionLimit(instrument, currentSignedPosition, proposedSize) {
		return false, "exceeds maximum absolute position"
	}
	return true, ""
}
