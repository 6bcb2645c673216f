package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var emergencyLog = log.With().Str("component", "risk").Logger()

// EmergencyStop is the global kill-switch (spec §4.4
// emergencyStopActive(), §6 "emergencyStop"). It starts from the
// configured flag; Trip and Reset change it at runtime, but nothing in
// the engine calls them — adapting the teacher's circuit-breaker
// trip/reset bookkeeping to a manually-controlled switch rather than a
// PnL-driven one.
type EmergencyStop struct {
	mu        sync.RWMutex
	tripped   bool
	reason    string
	trippedAt time.Time
}

// NewEmergencyStop constructs the switch in the given initial state,
// mirroring the configured `emergencyStop` flag at startup.
func NewEmergencyStop(initiallyTripped bool) *EmergencyStop {
	e := &EmergencyStop{}
	if initiallyTripped {
		e.Trip("configured at startup")
	}
	return e
}

// Active reports whether the switch is currently tripped.
func (e *EmergencyStop) Active() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tripped
}

// Trip activates the kill-switch, logging the reason at error severity —
// spec §7 "state-invariant violations... logged at error severity with
// full context".
func (e *EmergencyStop) Trip(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tripped {
		return
	}
	e.tripped = true
	e.reason = reason
	e.trippedAt = time.Now()
	emergencyLog.Error().Str("reason", reason).Msg("emergency stop activated")
}

// Reset clears the kill-switch, typically an operator action taken after
// investigating a Trip.
func (e *EmergencyStop) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tripped = false
	e.reason = ""
	emergencyLog.Info().Msg("emergency stop cleared")
}

// Status returns the current trip state and reason for diagnostics.
func (e *EmergencyStop) Status() (tripped bool, reason string, trippedAt time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.tripped, e.reason, e.trippedAt
}
