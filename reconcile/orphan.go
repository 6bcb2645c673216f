// Package reconcile covers the two reconciliation concerns spec §4.6
// assigns outside the steady-state executor loop: bookkeeping for
// Follower fills on mapped orders that arrive before the Master reports
// the order Filled (orphan fills), and the one-time startup reconciliation pass that reconciles
// both venues' open orders against the Mapper before steady-state
// begins.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/store"
)

var orphanLog = log.With().Str("component", "reconcile.orphan").Logger()

const orphanPrefix = "orphanFill:"

// OrphanFillRecord is the provisional Δ adjustment recorded when a
// Follower fill is observed on a mapped order before the Master has
// reported that order Filled — spec §4.6 "Orphan Fill Record". It is resolved (and deleted) once the
// corresponding Master order is later observed Filled.
type OrphanFillRecord struct {
	Instrument           string          `json:"instrument"`
	FollowerOrderID      string          `json:"followerOrderId"`
	MasterSizeEquivalent decimal.Decimal `json:"masterSizeEquivalent"`
	RecordedAt           time.Time       `json:"recordedAt"`
}

// orphanRetention bounds how long an unresolved orphan record survives
// before it is treated as permanently stray (spec §6: 24h).
const orphanRetention = 24 * time.Hour

func orphanKey(masterOid string) string {
	return orphanPrefix + masterOid
}

// OrphanKeyPrefix exposes the keyspace prefix of orphan records. The
// executor resolves records through Recorder.Resolve rather than this
// prefix.
func OrphanKeyPrefix() string { return orphanPrefix }

// Recorder persists and resolves orphan fill records over a store.KV.
type Recorder struct {
	kv store.KV
}

// NewRecorder constructs a Recorder over kv.
func NewRecorder(kv store.KV) *Recorder {
	return &Recorder{kv: kv}
}

// Record stores a provisional Δ adjustment for a Follower fill on the
// mapped Master oid masterOid, reverse-translated into
// Master units by the caller (spec §4.6 step 1, via calculator.ReverseTranslate).
func (r *Recorder) Record(ctx context.Context, masterOid string, rec OrphanFillRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("reconcile: encode orphan record: %w", err)
	}
	if err := r.kv.Set(ctx, orphanKey(masterOid), string(payload), orphanRetention); err != nil {
		return fmt.Errorf("reconcile: record orphan for %s: %w", masterOid, err)
	}
	orphanLog.Info().Str("masterOid", masterOid).Str("instrument", rec.Instrument).Msg("orphan fill recorded")
	return nil
}

// Peek looks up the orphan record for masterOid without deleting it, so
// a subsequent partial fill can accumulate onto the existing adjustment.
func (r *Recorder) Peek(ctx context.Context, masterOid string) (OrphanFillRecord, bool, error) {
	raw, err := r.kv.Get(ctx, orphanKey(masterOid))
	if errors.Is(err, store.ErrNotFound) {
		return OrphanFillRecord{}, false, nil
	}
	if err != nil {
		return OrphanFillRecord{}, false, fmt.Errorf("reconcile: peek orphan for %s: %w", masterOid, err)
	}
	var rec OrphanFillRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return OrphanFillRecord{}, false, fmt.Errorf("reconcile: decode orphan for %s: %w", masterOid, err)
	}
	return rec, true, nil
}

// Resolve looks up and deletes the orphan record for masterOid, if any.
// The Executor calls this when the corresponding Master order is later
// observed Filled, folding the provisional Δ back into the Delta Ledger.
func (r *Recorder) Resolve(ctx context.Context, masterOid string) (OrphanFillRecord, bool, error) {
	raw, err := r.kv.Get(ctx, orphanKey(masterOid))
	if errors.Is(err, store.ErrNotFound) {
		return OrphanFillRecord{}, false, nil
	}
	if err != nil {
		return OrphanFillRecord{}, false, fmt.Errorf("reconcile: get orphan for %s: %w", masterOid, err)
	}
	var rec OrphanFillRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return OrphanFillRecord{}, false, fmt.Errorf("reconcile: decode orphan for %s: %w", masterOid, err)
	}
	if err := r.kv.Delete(ctx, orphanKey(masterOid)); err != nil {
		return OrphanFillRecord{}, false, fmt.Errorf("reconcile: delete orphan for %s: %w", masterOid, err)
	}
	return rec, true, nil
}
