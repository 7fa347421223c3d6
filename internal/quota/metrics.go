package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "quota",
			Name:      "requests_total",
			Help:      "Total number of requests accounted by the quota governor",
		},
		[]string{"governor"},
	)

	unitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "quota",
			Name:      "units_total",
			Help:      "Total number of units (tokens) accounted by the quota governor",
		},
		[]string{"governor"},
	)

	costTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "quota",
			Name:      "cost_usd_total",
			Help:      "Total accrued cost in USD",
		},
		[]string{"governor"},
	)

	// Labels: governor, limit (RPM, TPM, REQUEST_COST, HOURLY_COST, DAILY_COST)
	rejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "quota",
			Name:      "rejections_total",
			Help:      "Total number of requests rejected before issue, by violated limit",
		},
		[]string{"governor", "limit"},
	)

	warningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vibe",
			Subsystem: "quota",
			Name:      "cost_warnings_total",
			Help:      "Total number of cost warnings emitted, by window",
		},
		[]string{"governor", "window"},
	)
)
