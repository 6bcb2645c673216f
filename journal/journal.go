// Package journal is the Processed-Order Journal: an append-only set of
// Master event ids already acted upon, with outcome metadata, giving the
// engine exactly-once semantics (spec §3 "Processed-Order Entry", §4.5,
// invariant I2).
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/internal/types"
	"github.com/uykb/hypefollow/store"
)

// Retention matches the "orderHistory:<eventId>" keyspace TTL (spec §6:
// "7 days").
const Retention = 7 * 24 * time.Hour

const prefixHistory = "orderHistory:"

// Entry is the outcome record stored per processed event id.
type Entry struct {
	Outcome         types.ExecOutcome `json:"outcome"`
	FollowerOrderID string            `json:"followerOrderId,omitempty"`
	MasterSize      decimal.Decimal   `json:"masterSize"`
	FollowerSize    decimal.Decimal   `json:"followerSize"`
	Price           decimal.Decimal   `json:"price"`
	ProcessedAt     time.Time         `json:"processedAt"`
}

// Journal records processed event ids over a store.KV.
type Journal struct {
	kv store.KV
}

// New constructs a Journal over kv.
func New(kv store.KV) *Journal {
	return &Journal{kv: kv}
}

func key(eventID string) string {
	return prefixHistory + eventID
}

// Seen reports whether eventID has already been recorded.
func (j *Journal) Seen(ctx context.Context, eventID string) (bool, error) {
	_, err := j.kv.Get(ctx, key(eventID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("journal: seen %s: %w", eventID, err)
	}
	return true, nil
}

// Record writes the outcome for eventID. It does not itself guard against
// double-recording — callers must call Seen first within the same
// per-oid lock window (spec §4.5 step 1: dedup check precedes the lock
// acquisition that guards Record).
func (j *Journal) Record(ctx context.Context, eventID string, e Entry) error {
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", eventID, err)
	}
	if err := j.kv.Set(ctx, key(eventID), string(payload), Retention); err != nil {
		return fmt.Errorf("journal: record %s: %w", eventID, err)
	}
	return nil
}

// Get returns the recorded entry for eventID, or (Entry{}, false) if
// absent.
func (j *Journal) Get(ctx context.Context, eventID string) (Entry, bool, error) {
	raw, err := j.kv.Get(ctx, key(eventID))
	if errors.Is(err, store.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("journal: get %s: %w", eventID, err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("journal: decode %s: %w", eventID, err)
	}
	return e, true, nil
}
