package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stateGauge exposes the current state per breaker (0=closed, 1=open, 2=half-open).
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "vibe",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Current circuit state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// callsTotal counts calls by outcome.
	// Labels: name, result (success, failure, rejected)
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "breaker",
			Name:      "calls_total",
			Help:      "Total number of calls through the circuit breaker by result",
		},
		[]string{"name", "result"},
	)

	// transitionsTotal counts state transitions.
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Total number of circuit state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

func stateValue(s State) float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}
