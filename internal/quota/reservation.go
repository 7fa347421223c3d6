package quota

import (
	"sync"
	"time"
)

// Reservation is capacity claimed by Reserve. Exactly one of Commit or
// Cancel should be called; later calls are no-ops.
type Reservation struct {
	g         *Governor
	operation string
	units     int
	cost      float64

	minuteStart time.Time
	hourStart   time.Time
	dayStart    time.Time

	once sync.Once
}

// Reserve atomically checks the limits and, when they pass, claims one
// request plus the estimated units and cost. Two concurrent callers can
// never both pass a check that only one of them fits under.
func (g *Governor) Reserve(estimatedUnits int, operation string) (*Reservation, error) {
	if estimatedUnits < 0 {
		estimatedUnits = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.roll(g.now())
	if err := g.check(estimatedUnits, operation); err != nil {
		return nil, err
	}
	cost := g.estimator.EstimateCost(estimatedUnits)
	g.m.RequestsThisMinute++
	g.m.TokensThisMinute += estimatedUnits
	g.m.CostThisHour += cost
	g.m.CostToday += cost

	return &Reservation{
		g:           g,
		operation:   operation,
		units:       estimatedUnits,
		cost:        cost,
		minuteStart: g.m.MinuteStart,
		hourStart:   g.m.HourStart,
		dayStart:    g.m.DayStart,
	}, nil
}

// Commit replaces the reserved estimate with the actual usage and records
// the request in the lifetime totals.
func (r *Reservation) Commit(actualUnits int, actualCost float64) {
	r.once.Do(func() {
		g := r.g
		g.mu.Lock()
		g.roll(g.now())
		r.unwind()
		g.add(1, actualUnits, actualCost)
		warnings := g.pendingWarnings(r.operation)
		g.mu.Unlock()
		g.emit(warnings)
	})
}

// Cancel returns the reserved capacity. Use it when the request was never
// issued, e.g. because a circuit breaker refused it.
func (r *Reservation) Cancel() {
	r.once.Do(func() {
		g := r.g
		g.mu.Lock()
		g.roll(g.now())
		r.unwind()
		g.mu.Unlock()
	})
}

// unwind removes the reserved amounts from windows that have not rolled
// since the reservation. Caller holds mu.
func (r *Reservation) unwind() {
	g := r.g
	if g.m.MinuteStart.Equal(r.minuteStart) {
		g.m.RequestsThisMinute = max(0, g.m.RequestsThisMinute-1)
		g.m.TokensThisMinute = max(0, g.m.TokensThisMinute-r.units)
	}
	if g.m.HourStart.Equal(r.hourStart) {
		g.m.CostThisHour = max(0, g.m.CostThisHour-r.cost)
	}
	if g.m.DayStart.Equal(r.dayStart) {
		g.m.CostToday = max(0, g.m.CostToday-r.cost)
	}
}
