// Package metrics holds the process-wide Prometheus metric vectors for the
// dispatcher core and its ambient subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Circuit breaker state values, shared across all breaker-wrapped bus
// calls so the admin surface can render one consistent gauge.
const (
	CircuitBreakerClosed = iota
	CircuitBreakerHalfOpen
	CircuitBreakerOpen
)

var (
	// DispatchContextsActive tracks in-flight Dispatch Contexts.
	DispatchContextsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chandispatch",
			Subsystem: "pipeline",
			Name:      "contexts_active",
			Help:      "Number of Dispatch Contexts currently walking the pipeline",
		},
	)

	// DispatchContextLockCounter tracks each active context's current
	// client-lock counter value, keyed by context id.
	DispatchContextLockCounter = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chandispatch",
			Subsystem: "pipeline",
			Name:      "context_lock_counter",
			Help:      "Current client-lock counter value for one Dispatch Context",
		},
		[]string{"context_id"},
	)

	// DispatchContextsCompleted counts contexts reaching dispatch-completed,
	// partitioned by whether they finished cancelled.
	DispatchContextsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chandispatch",
			Subsystem: "pipeline",
			Name:      "contexts_completed_total",
			Help:      "Total Dispatch Contexts that reached completion",
		},
		[]string{"outcome"}, // dispatched, cancelled, failed
	)

	// FilterMatchScore observes the score achieved by the selected handler
	// for each dispatched channel.
	FilterMatchScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chandispatch",
			Subsystem: "filter",
			Name:      "match_score",
			Help:      "Quality score of the selected handler's filter match",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		},
	)

	// RegistryClientsKnown tracks the current size of the client registry.
	RegistryClientsKnown = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chandispatch",
			Subsystem: "registry",
			Name:      "clients_known",
			Help:      "Number of clients known to the registry",
		},
		[]string{"state"}, // alive, inactive
	)

	// BusCallDuration tracks latency of outbound bus RPCs.
	BusCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chandispatch",
			Subsystem: "bus",
			Name:      "call_duration_seconds",
			Help:      "Latency of one outbound bus RPC",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "result"},
	)

	// BusCircuitBreakerState tracks the gobreaker state per client bus name.
	BusCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "chandispatch",
			Subsystem: "bus",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per client (0=closed,1=half-open,2=open)",
		},
		[]string{"client"},
	)

	// BusCircuitBreakerTrips counts transitions into the open state.
	BusCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chandispatch",
			Subsystem: "bus",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total transitions of a client's circuit breaker into the open state",
		},
		[]string{"client"},
	)

	// RecoveryChannelsResolved counts recovery outcomes at startup.
	RecoveryChannelsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chandispatch",
			Subsystem: "recovery",
			Name:      "channels_resolved_total",
			Help:      "Channels resolved by the recovery subsystem at startup",
		},
		[]string{"outcome"}, // already_handled, resubmitted
	)

	// DispatchOperationsOpen tracks operations awaiting a decision.
	DispatchOperationsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "chandispatch",
			Subsystem: "operation",
			Name:      "open",
			Help:      "Number of Dispatch Operations currently pending a decision",
		},
	)

	// InboundChannelsReceived counts SQS-sourced channel announcements.
	InboundChannelsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chandispatch",
			Subsystem: "inbound",
			Name:      "channels_received_total",
			Help:      "Total inbound channel announcements received over SQS",
		},
		[]string{"result"}, // accepted, decode_error
	)
)
