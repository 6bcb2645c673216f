// Package validator implements the Periodic Order Validator (spec
// §4.8): a ~60s sweep over every active Mapper binding that reaps
// terminal, stale, or venue-confirmed-gone mappings the steady-state
// Executor path missed.
package validator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/uykb/hypefollow/internal/obsv"
	"github.com/uykb/hypefollow/internal/types"
	"github.com/uykb/hypefollow/mapper"
)

var validatorLog = log.With().Str("component", "validator").Logger()

// Interval is the sweep period — spec §4.8 "every ~60s".
const Interval = 60 * time.Second

// HardTimeout deletes a mapping regardless of venue status once it has
// survived this long — spec §4.8 "hard timeout (e.g. 24h)".
const HardTimeout = 24 * time.Hour

// StatusQuerier reports a single order's current Follower status.
type StatusQuerier interface {
	OrderStatus(ctx context.Context, instrument, followerOrderID string) (types.FollowerExecStatus, error)
}

// unknownOrderChecker matches follower.VenueError without an import
// cycle, the same pattern the executor package uses.
type unknownOrderChecker interface {
	IsUnknownOrder() bool
}

// Validator sweeps the Mapper's active bindings.
type Validator struct {
	mapper *mapper.Mapper
	status StatusQuerier

	mu   sync.Mutex
	fails map[string]int // consecutive transient-failure count per oid, for observability only
}

// New constructs a Validator.
func New(m *mapper.Mapper, status StatusQuerier) *Validator {
	return &Validator{mapper: m, status: status, fails: make(map[string]int)}
}

// Run drives the sweep loop until ctx is canceled.
func (v *Validator) Run(ctx context.Context) {
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := v.Sweep(ctx); err != nil {
				validatorLog.Error().Err(err).Msg("validator sweep failed")
			}
		}
	}
}

// Sweep performs one pass over every active mapping — spec §4.8.
func (v *Validator) Sweep(ctx context.Context) error {
	oids, err := v.mapper.AllMasterOids(ctx)
	if err != nil {
		return err
	}

	for _, oid := range oids {
		if err := v.checkOne(ctx, oid); err != nil {
			validatorLog.Warn().Err(err).Str("masterOid", oid).Msg("validator check failed for mapping")
		}
	}
	return nil
}

func (v *Validator) checkOne(ctx context.Context, masterOid string) error {
	createdAt, ok, err := v.mapper.TimestampOf(ctx, masterOid)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if time.Since(createdAt) > HardTimeout {
		validatorLog.Info().Str("masterOid", masterOid).Msg("mapping exceeded hard timeout, deleting")
		v.clearFailures(masterOid)
		obsv.ValidatorMappingsReaped.WithLabelValues("hard_timeout").Inc()
		return v.mapper.Delete(ctx, masterOid)
	}

	binding, ok, err := v.mapper.LookupFollower(ctx, masterOid)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	status, statusErr := v.status.OrderStatus(ctx, binding.Instrument, binding.FollowerOrderID)
	if statusErr != nil {
		var uoc unknownOrderChecker
		if errors.As(statusErr, &uoc) && uoc.IsUnknownOrder() {
			validatorLog.Info().Str("masterOid", masterOid).Msg("venue reports order unknown, deleting mapping")
			v.clearFailures(masterOid)
			obsv.ValidatorMappingsReaped.WithLabelValues("unknown_order").Inc()
			return v.mapper.Delete(ctx, masterOid)
		}
		v.recordFailure(masterOid)
		return statusErr
	}
	v.clearFailures(masterOid)

	if status.IsTerminal() {
		obsv.ValidatorMappingsReaped.WithLabelValues("terminal_status").Inc()
		return v.mapper.Delete(ctx, masterOid)
	}
	return nil
}

func (v *Validator) recordFailure(masterOid string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fails[masterOid]++
	validatorLog.Warn().Str("masterOid", masterOid).Int("consecutiveFailures", v.fails[masterOid]).Msg("transient status-query failure")
}

func (v *Validator) clearFailures(masterOid string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.fails, masterOid)
}
