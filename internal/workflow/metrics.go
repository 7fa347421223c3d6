package workflow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const instrumentationName = "github.com/mplewis/vibe-agency-sub002/internal/workflow"

var (
	// Labels: workflow, status (success, failure, rejected)
	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "workflow",
			Name:      "steps_total",
			Help:      "Total number of workflow node executions by outcome",
		},
		[]string{"workflow", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vibe",
			Subsystem: "workflow",
			Name:      "step_duration_seconds",
			Help:      "Duration of workflow node executions",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"workflow"},
	)

	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "workflow",
			Name:      "executions_total",
			Help:      "Total number of workflow executions by final status",
		},
		[]string{"workflow", "status"},
	)

	registryReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "workflow",
			Name:      "registry_reloads_total",
			Help:      "Total number of workflow definition reloads by result",
		},
		[]string{"result"},
	)
)
