package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const instrumentationName = "github.com/mplewis/vibe-agency-sub002/internal/orchestrator"

var (
	// Labels: from, to (positions such as PLANNING.RESEARCH or CODING)
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Total number of committed phase transitions",
		},
		[]string{"from", "to"},
	)

	// Labels: result (advanced, repaired, blocked, exhausted, rejected, error)
	advancesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "orchestrator",
			Name:      "advances_total",
			Help:      "Total number of Advance calls by result",
		},
		[]string{"result"},
	)

	advanceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vibe",
			Subsystem: "orchestrator",
			Name:      "advance_duration_seconds",
			Help:      "Duration of Advance calls including workflow execution",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 900},
		},
		[]string{"position"},
	)

	// Labels: trigger (test_failure, qa_rejection)
	repairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "orchestrator",
			Name:      "repairs_total",
			Help:      "Total number of repair loop entries",
		},
		[]string{"trigger"},
	)
)
