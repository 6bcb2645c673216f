// Package ledger tracks the signed per-instrument delta between the
// Master's target exposure and the Follower's realized exposure, in
// Master units (spec §4.2, §3 "Delta Ledger Entry"). It is pure state:
// callers are responsible for calling Add/Consume consistently with what
// they actually executed (invariant I3).
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uykb/hypefollow/store"
)

// Retention matches the "pending:delta:<instrument>" keyspace TTL (spec
// §6: "30 days").
const Retention = 30 * 24 * time.Hour

const prefixDelta = "pending:delta:"

// Ledger is a per-instrument signed accumulator over a store.KV.
type Ledger struct {
	kv store.KV
}

// New constructs a Ledger over kv.
func New(kv store.KV) *Ledger {
	return &Ledger{kv: kv}
}

func key(instrument string) string {
	return prefixDelta + instrument
}

// Init sets Δ for instrument to signedMasterPosition, overwriting any
// prior value — spec §4.2 init(), used once at startup when the Follower
// is assumed empty.
func (l *Ledger) Init(ctx context.Context, instrument string, signedMasterPosition decimal.Decimal) error {
	if err := l.kv.Set(ctx, key(instrument), signedMasterPosition.String(), Retention); err != nil {
		return fmt.Errorf("ledger: init %s: %w", instrument, err)
	}
	return nil
}

// Add atomically adds signedAmount to Δ_instrument and returns the new
// value, refreshing TTL in the same atomic step — spec §4.2 add(). The
// underlying store performs the whole read-modify-write-and-expire
// under one transaction/lock so concurrent adds from the Executor and
// the Orphan Fill path never race.
func (l *Ledger) Add(ctx context.Context, instrument string, signedAmount decimal.Decimal) (decimal.Decimal, error) {
	raw, err := l.kv.IncrDecimal(ctx, key(instrument), signedAmount.String(), Retention)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: add %s: %w", instrument, err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse %s: %w", instrument, err)
	}
	return v, nil
}

// Get returns the current Δ for instrument, zero if never initialized.
func (l *Ledger) Get(ctx context.Context, instrument string) (decimal.Decimal, error) {
	raw, err := l.kv.Get(ctx, key(instrument))
	if err == store.ErrNotFound {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: get %s: %w", instrument, err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ledger: parse %s: %w", instrument, err)
	}
	return v, nil
}

// Consume is equivalent to Add(instrument, -amountToClear) — spec §4.2
// consume().
func (l *Ledger) Consume(ctx context.Context, instrument string, amountToClear decimal.Decimal) (decimal.Decimal, error) {
	return l.Add(ctx, instrument, amountToClear.Neg())
}
