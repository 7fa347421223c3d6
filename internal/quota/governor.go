// Package quota enforces request-rate, token-rate and cost ceilings before a
// call to an external executor is issued.
//
// Admission is decided by CheckBeforeRequest (or Reserve, which also claims
// the capacity) and accounting happens afterwards through RecordRequest or
// Reservation.Commit. Accounting never rejects.
package quota

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
	dayWindow    = 24 * time.Hour
)

// Limits are the ceilings enforced by a Governor. A zero value disables the
// corresponding check.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int
	MaxCostPerRequest float64
	MaxCostPerHour    float64
	MaxCostPerDay     float64

	// WarningRatio is the fraction of the hourly or daily ceiling above
	// which a cost warning is emitted (default: 0.8).
	WarningRatio float64
}

// DefaultLimits returns conservative defaults.
func DefaultLimits() Limits {
	return Limits{
		RequestsPerMinute: 50,
		TokensPerMinute:   40_000,
		MaxCostPerRequest: 0.50,
		MaxCostPerHour:    10.00,
		MaxCostPerDay:     50.00,
		WarningRatio:      0.8,
	}
}

// Metrics are the rolling counters of one governed resource.
type Metrics struct {
	RequestsThisMinute int       `json:"requests_this_minute"`
	TokensThisMinute   int       `json:"tokens_this_minute"`
	MinuteStart        time.Time `json:"minute_start"`

	CostThisHour float64   `json:"cost_this_hour"`
	HourStart    time.Time `json:"hour_start"`

	CostToday float64   `json:"cost_today"`
	DayStart  time.Time `json:"day_start"`

	TotalRequests int64   `json:"total_requests"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
}

// Warning is emitted when accrued cost passes the warning ratio of a ceiling.
type Warning struct {
	Window    string
	Spent     float64
	Limit     float64
	Operation string
}

// WarningFunc receives cost warnings. It is called with the governor lock
// released.
type WarningFunc func(Warning)

// Option configures a Governor.
type Option func(*Governor)

// WithCostEstimator replaces the default pricing model.
func WithCostEstimator(est CostEstimator) Option {
	return func(g *Governor) {
		g.estimator = est
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		g.now = now
	}
}

// WithWarningFunc registers a cost-warning hook.
func WithWarningFunc(fn WarningFunc) Option {
	return func(g *Governor) {
		g.onWarning = fn
	}
}

// WithName labels the governor in logs and metrics.
func WithName(name string) Option {
	return func(g *Governor) {
		g.name = name
	}
}

// Governor enforces Limits for one resource. It is safe for concurrent use
// and is meant to be shared by every worker calling that resource.
type Governor struct {
	name      string
	limits    Limits
	estimator CostEstimator
	logger    *zap.Logger
	now       func() time.Time
	onWarning WarningFunc

	mu          sync.Mutex
	m           Metrics
	warnedHour  bool
	warnedDay   bool
	initialized bool
}

// NewGovernor creates a governor.
func NewGovernor(limits Limits, logger *zap.Logger, opts ...Option) *Governor {
	if limits.WarningRatio <= 0 || limits.WarningRatio > 1 {
		limits.WarningRatio = 0.8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Governor{
		name:      "executor",
		limits:    limits,
		estimator: DefaultCostEstimator(),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("governor", g.name))
	return g
}

// Limits returns the configured ceilings.
func (g *Governor) Limits() Limits {
	return g.limits
}

// EstimateCost prices units with the configured estimator.
func (g *Governor) EstimateCost(units int) float64 {
	return g.estimator.EstimateCost(units)
}

// CheckBeforeRequest reports whether a request of estimatedUnits may be
// issued now. Checks run in order RPM, TPM, per-request cost, hourly cost,
// daily cost; the first violation is returned as *ExceededError.
//
// CheckBeforeRequest does not claim capacity. Concurrent callers that must
// not both pass a check only one of them can satisfy should use Reserve.
func (g *Governor) CheckBeforeRequest(estimatedUnits int, operation string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.roll(g.now())
	return g.check(estimatedUnits, operation)
}

// check runs the ordered limit checks. Caller holds mu.
func (g *Governor) check(units int, operation string) error {
	if units < 0 {
		units = 0
	}
	l := g.limits
	var err *ExceededError
	cost := g.estimator.EstimateCost(units)

	switch {
	case l.RequestsPerMinute > 0 && g.m.RequestsThisMinute >= l.RequestsPerMinute:
		err = &ExceededError{Limit: LimitRPM, Current: float64(g.m.RequestsThisMinute), Max: float64(l.RequestsPerMinute)}
	case l.TokensPerMinute > 0 && g.m.TokensThisMinute+units > l.TokensPerMinute:
		err = &ExceededError{Limit: LimitTPM, Current: float64(g.m.TokensThisMinute + units), Max: float64(l.TokensPerMinute)}
	case l.MaxCostPerRequest > 0 && cost > l.MaxCostPerRequest:
		err = &ExceededError{Limit: LimitRequestCost, Current: cost, Max: l.MaxCostPerRequest}
	case l.MaxCostPerHour > 0 && g.m.CostThisHour+cost > l.MaxCostPerHour:
		err = &ExceededError{Limit: LimitHourlyCost, Current: g.m.CostThisHour + cost, Max: l.MaxCostPerHour}
	case l.MaxCostPerDay > 0 && g.m.CostToday+cost > l.MaxCostPerDay:
		err = &ExceededError{Limit: LimitDailyCost, Current: g.m.CostToday + cost, Max: l.MaxCostPerDay}
	}
	if err == nil {
		return nil
	}
	err.Operation = operation
	rejectionsTotal.WithLabelValues(g.name, string(err.Limit)).Inc()
	g.logger.Warn("request rejected by quota",
		zap.String("operation", operation),
		zap.String("limit", string(err.Limit)),
		zap.Float64("current", err.Current),
		zap.Float64("max", err.Max))
	return err
}

// RecordRequest accounts a request that was issued. It never rejects.
func (g *Governor) RecordRequest(actualUnits int, actualCost float64, operation string) {
	g.mu.Lock()
	g.roll(g.now())
	g.add(1, actualUnits, actualCost)
	warnings := g.pendingWarnings(operation)
	g.mu.Unlock()

	g.emit(warnings)
}

// add increments every counter. Negative inputs are treated as zero.
// Caller holds mu.
func (g *Governor) add(requests, units int, cost float64) {
	if units < 0 {
		units = 0
	}
	if cost < 0 {
		cost = 0
	}
	g.m.RequestsThisMinute += requests
	g.m.TokensThisMinute += units
	g.m.CostThisHour += cost
	g.m.CostToday += cost
	g.m.TotalRequests += int64(requests)
	g.m.TotalTokens += int64(units)
	g.m.TotalCost += cost

	requestsTotal.WithLabelValues(g.name).Add(float64(requests))
	unitsTotal.WithLabelValues(g.name).Add(float64(units))
	costTotal.WithLabelValues(g.name).Add(cost)
}

// roll resets each window whose period has elapsed. Lifetime totals are
// untouched. Caller holds mu.
func (g *Governor) roll(now time.Time) {
	if !g.initialized {
		g.m.MinuteStart, g.m.HourStart, g.m.DayStart = now, now, now
		g.initialized = true
		return
	}
	if now.Sub(g.m.MinuteStart) > minuteWindow {
		g.m.RequestsThisMinute = 0
		g.m.TokensThisMinute = 0
		g.m.MinuteStart = now
	}
	if now.Sub(g.m.HourStart) > hourWindow {
		g.m.CostThisHour = 0
		g.m.HourStart = now
		g.warnedHour = false
	}
	if now.Sub(g.m.DayStart) > dayWindow {
		g.m.CostToday = 0
		g.m.DayStart = now
		g.warnedDay = false
	}
}

// pendingWarnings collects warnings not yet emitted for the current windows.
// Caller holds mu.
func (g *Governor) pendingWarnings(operation string) []Warning {
	var out []Warning
	ratio := g.limits.WarningRatio
	if l := g.limits.MaxCostPerHour; l > 0 && !g.warnedHour && g.m.CostThisHour > l*ratio {
		g.warnedHour = true
		out = append(out, Warning{Window: "hourly", Spent: g.m.CostThisHour, Limit: l, Operation: operation})
	}
	if l := g.limits.MaxCostPerDay; l > 0 && !g.warnedDay && g.m.CostToday > l*ratio {
		g.warnedDay = true
		out = append(out, Warning{Window: "daily", Spent: g.m.CostToday, Limit: l, Operation: operation})
	}
	return out
}

func (g *Governor) emit(warnings []Warning) {
	for _, w := range warnings {
		warningsTotal.WithLabelValues(g.name, w.Window).Inc()
		g.logger.Warn("cost approaching limit",
			zap.String("window", w.Window),
			zap.Float64("spent_usd", w.Spent),
			zap.Float64("limit_usd", w.Limit),
			zap.String("operation", w.Operation))
		if g.onWarning != nil {
			g.onWarning(w)
		}
	}
}

// Metrics returns the current counters. Windows that have expired are
// reported as empty without being reset.
func (g *Governor) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()

	m := g.m
	if !g.initialized {
		return m
	}
	now := g.now()
	if now.Sub(m.MinuteStart) > minuteWindow {
		m.RequestsThisMinute, m.TokensThisMinute = 0, 0
	}
	if now.Sub(m.HourStart) > hourWindow {
		m.CostThisHour = 0
	}
	if now.Sub(m.DayStart) > dayWindow {
		m.CostToday = 0
	}
	return m
}
