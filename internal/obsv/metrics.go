// Package obsv holds the engine's Prometheus metrics — observability
// for the Executor, ingest feeds, and Rebalancer, registered once at
// startup and served over /metrics (spec §6 "ambient" concerns the
// distilled spec omits but a production instance always carries).
//
// Grounded on the teacher's metrics.go: same CounterVec/GaugeVec idiom,
// generalized from single-bot trading metrics to per-instrument
// copy-trading outcomes.
package obsv

import "github.com/prometheus/client_golang/prometheus"

var (
	// ExecOutcomes counts every Order Executor decision by outcome and
	// instrument — the primary health signal for the copy loop.
	ExecOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypefollow_exec_outcomes_total",
			Help: "Order Executor decisions by outcome and instrument.",
		},
		[]string{"outcome", "instrument"},
	)

	// DeltaLedger mirrors the current signed Δ per instrument.
	DeltaLedger = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hypefollow_delta_ledger",
			Help: "Current signed delta ledger value per instrument, in Master units.",
		},
		[]string{"instrument"},
	)

	// FeedReconnects counts reconnect attempts on either venue's
	// websocket feed.
	FeedReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypefollow_feed_reconnects_total",
			Help: "Websocket reconnect attempts by venue.",
		},
		[]string{"venue"},
	)

	// RebalancePlacements counts anchored reduce-only orders placed by
	// the Rebalancer.
	RebalancePlacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypefollow_rebalance_placements_total",
			Help: "Reduce-only anchor orders placed by the Rebalancer, per instrument.",
		},
		[]string{"instrument"},
	)

	// ValidatorMappingsReaped counts mappings the Periodic Order
	// Validator deleted, by reason.
	ValidatorMappingsReaped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hypefollow_validator_reaped_total",
			Help: "Mappings deleted by the Periodic Order Validator, by reason.",
		},
		[]string{"reason"},
	)

	// EmergencyStopActive reports 1 when the kill-switch is tripped.
	EmergencyStopActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hypefollow_emergency_stop_active",
			Help: "1 if the emergency stop is currently tripped, else 0.",
		},
	)
)

// MustRegister registers every collector against the default registry.
// Called once from engine.Run at startup.
func MustRegister() {
	prometheus.MustRegister(
		ExecOutcomes,
		DeltaLedger,
		FeedReconnects,
		RebalancePlacements,
		ValidatorMappingsReaped,
		EmergencyStopActive,
	)
}
