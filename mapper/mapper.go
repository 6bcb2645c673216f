// Package mapper maintains the durable bidirectional binding between
// Master-venue order identifiers and Follower-venue order identifiers
// (spec §4.1). It is the only component permitted to create or destroy
// mapping records; every other component goes through it for bindings
// instead of touching the store directly, preserving invariant I1.
package mapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/uykb/hypefollow/store"
)

// Retention is how long a mapping survives without being refreshed or
// explicitly deleted (spec §3: "7 days").
const Retention = 7 * 24 * time.Hour

const (
	prefixM2F = "map:m2f:"
	prefixF2M = "map:f2m:"
	prefixTS  = "ts:order:"
)

// Binding is the mapping record's payload, shared by both directions.
type Binding struct {
	MasterOid       string `json:"masterOid"`
	FollowerOrderID string `json:"followerOrderId"`
	Instrument      string `json:"instrument"`
}

// Mapper binds Master and Follower order identifiers atomically over a
// store.KV.
type Mapper struct {
	kv store.KV
}

// New constructs a Mapper over kv.
func New(kv store.KV) *Mapper {
	return &Mapper{kv: kv}
}

var compLog = log.With().Str("component", "mapper").Logger()

// Save writes both directions and the creation timestamp in a single
// atomic group, refreshing TTL — spec §4.1 save().
func (m *Mapper) Save(ctx context.Context, masterOid, followerOrderID, instrument string) error {
	b := Binding{MasterOid: masterOid, FollowerOrderID: followerOrderID, Instrument: instrument}
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("mapper: encode binding: %w", err)
	}

	ops := []store.Op{
		{Kind: store.OpSet, Key: prefixM2F + masterOid, Value: string(payload), TTL: Retention},
		{Kind: store.OpSet, Key: prefixF2M + followerOrderID, Value: string(payload), TTL: Retention},
		{Kind: store.OpSet, Key: prefixTS + masterOid, Value: time.Now().UTC().Format(time.RFC3339Nano), TTL: Retention},
	}
	if err := m.kv.WriteGroup(ctx, ops); err != nil {
		return fmt.Errorf("mapper: save %s<->%s: %w", masterOid, followerOrderID, err)
	}
	compLog.Debug().Str("masterOid", masterOid).Str("followerOrderId", followerOrderID).Str("instrument", instrument).Msg("mapping saved")
	return nil
}

// LookupFollower returns the binding for a Master oid, or (Binding{}, false)
// if absent.
func (m *Mapper) LookupFollower(ctx context.Context, masterOid string) (Binding, bool, error) {
	return m.lookup(ctx, prefixM2F+masterOid)
}

// LookupMaster returns the binding for a Follower order id, or
// (Binding{}, false) if absent.
func (m *Mapper) LookupMaster(ctx context.Context, followerOrderID string) (Binding, bool, error) {
	return m.lookup(ctx, prefixF2M+followerOrderID)
}

func (m *Mapper) lookup(ctx context.Context, key string) (Binding, bool, error) {
	raw, err := m.kv.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, fmt.Errorf("mapper: lookup %s: %w", key, err)
	}
	var b Binding
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return Binding{}, false, fmt.Errorf("mapper: decode binding at %s: %w", key, err)
	}
	return b, true, nil
}

// Delete removes both directions and the timestamp atomically — spec
// §4.1 delete(). Deleting a mapping that does not exist is not an error.
func (m *Mapper) Delete(ctx context.Context, masterOid string) error {
	b, ok, err := m.LookupFollower(ctx, masterOid)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	ops := []store.Op{
		{Kind: store.OpDelete, Key: prefixM2F + masterOid},
		{Kind: store.OpDelete, Key: prefixF2M + b.FollowerOrderID},
		{Kind: store.OpDelete, Key: prefixTS + masterOid},
	}
	if err := m.kv.WriteGroup(ctx, ops); err != nil {
		return fmt.Errorf("mapper: delete %s: %w", masterOid, err)
	}
	compLog.Debug().Str("masterOid", masterOid).Msg("mapping deleted")
	return nil
}

// TimestampOf returns the creation instant for a mapping, or the zero
// time and false if absent.
func (m *Mapper) TimestampOf(ctx context.Context, masterOid string) (time.Time, bool, error) {
	raw, err := m.kv.Get(ctx, prefixTS+masterOid)
	if errors.Is(err, store.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("mapper: timestampOf %s: %w", masterOid, err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("mapper: parse timestamp for %s: %w", masterOid, err)
	}
	return t, true, nil
}

// AllMasterOids lists every currently-live Master oid with a mapping,
// used by the Periodic Order Validator to walk all active mappings.
func (m *Mapper) AllMasterOids(ctx context.Context) ([]string, error) {
	keys, err := m.kv.ScanPrefix(ctx, prefixM2F)
	if err != nil {
		return nil, fmt.Errorf("mapper: scan: %w", err)
	}
	oids := make([]string, len(keys))
	for i, k := range keys {
		oids[i] = k[len(prefixM2F):]
	}
	return oids, nil
}
