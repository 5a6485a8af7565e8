// Package observability holds the node's metrics, tracing and log setup.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Invocation outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Metrics collects node counters and gauges. All methods are safe on a nil
// receiver so callers never need to guard.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RecordInvocation("file.read", observability.OutcomeSuccess, time.Since(start))
type Metrics struct {
	// Invocations counts capability invocations.
	// Labels: capability, outcome (success|failure|denied)
	Invocations *prometheus.CounterVec

	// InvocationDuration measures handler time in seconds.
	// Labels: capability
	InvocationDuration *prometheus.HistogramVec

	// PolicyDenials counts denials by the check that produced them.
	// Labels: check
	PolicyDenials *prometheus.CounterVec

	// Approvals counts approval decisions.
	// Labels: capability, decision (approved|denied|timeout)
	Approvals *prometheus.CounterVec

	// ConnectionState is 1 for the current node state and 0 otherwise.
	// Labels: state
	ConnectionState *prometheus.GaugeVec

	// BreakerState is 1 for each breaker's current state.
	// Labels: breaker, state
	BreakerState *prometheus.GaugeVec

	// Reconnects counts reconnect attempts.
	Reconnects prometheus.Counter

	// EventsPublished counts bus events by type.
	// Labels: type
	EventsPublished *prometheus.CounterVec
}

// NewMetrics creates and registers the node metrics with reg. A nil reg
// uses the Prometheus default registry. Registering twice on the same
// registry panics, so call this once per process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_node_invocations_total",
				Help: "Total capability invocations by capability and outcome",
			},
			[]string{"capability", "outcome"},
		),

		InvocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_node_invocation_duration_seconds",
				Help:    "Duration of capability handler execution in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"capability"},
		),

		PolicyDenials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_node_policy_denials_total",
				Help: "Total policy denials by check",
			},
			[]string{"check"},
		),

		Approvals: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_node_approvals_total",
				Help: "Total approval decisions by capability and decision",
			},
			[]string{"capability", "decision"},
		),

		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nexus_node_connection_state",
				Help: "Current node connection state (1 for the active state)",
			},
			[]string{"state"},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nexus_node_breaker_state",
				Help: "Current circuit breaker state (1 for the active state)",
			},
			[]string{"breaker", "state"},
		),

		Reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "nexus_node_reconnects_total",
				Help: "Total reconnect attempts",
			},
		),

		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_node_events_total",
				Help: "Total events published on the node bus by type",
			},
			[]string{"type"},
		),
	}
}

// RecordInvocation records one finished invocation.
func (m *Metrics) RecordInvocation(capability, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Invocations.WithLabelValues(capability, outcome).Inc()
	if outcome != OutcomeDenied {
		m.InvocationDuration.WithLabelValues(capability).Observe(d.Seconds())
	}
}

// RecordDenial counts a policy denial.
func (m *Metrics) RecordDenial(check string) {
	if m == nil {
		return
	}
	m.PolicyDenials.WithLabelValues(check).Inc()
}

// RecordApproval counts an approval decision.
func (m *Metrics) RecordApproval(capability, decision string) {
	if m == nil {
		return
	}
	m.Approvals.WithLabelValues(capability, decision).Inc()
}

// SetConnectionState marks current as the active state among states.
func (m *Metrics) SetConnectionState(current string, states []string) {
	if m == nil {
		return
	}
	setOneHot(m.ConnectionState, nil, current, states)
}

// SetBreakerState marks current as the active state of breaker.
func (m *Metrics) SetBreakerState(breaker, current string, states []string) {
	if m == nil {
		return
	}
	setOneHot(m.BreakerState, []string{breaker}, current, states)
}

// IncReconnects counts a reconnect attempt.
func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}

// RecordEvent counts a published bus event.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

func setOneHot(g *prometheus.GaugeVec, prefix []string, current string, states []string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		labels := append(append([]string(nil), prefix...), s)
		g.WithLabelValues(labels...).Set(v)
	}
}
