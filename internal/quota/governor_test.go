package quota

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// flatCost prices every unit at one cent.
var flatCost = CostEstimatorFunc(func(units int) float64 { return float64(units) * 0.01 })

func TestGovernor_RPMRejectionAndReset(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(Limits{RequestsPerMinute: 10}, nil, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		require.NoError(t, g.CheckBeforeRequest(100, "plan"), "call %d", i+1)
		g.RecordRequest(100, 0.01, "plan")
		clock.Advance(time.Second)
	}

	err := g.CheckBeforeRequest(100, "plan")
	require.Error(t, err)
	var qe *ExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, LimitRPM, qe.Limit)
	assert.Equal(t, float64(10), qe.Current)
	assert.Equal(t, float64(10), qe.Max)
	assert.Contains(t, err.Error(), "RPM")
	assert.ErrorIs(t, err, ErrExceeded)

	clock.Advance(61 * time.Second)
	assert.NoError(t, g.CheckBeforeRequest(100, "plan"))
}

func TestGovernor_CheckOrder(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
		setup  func(g *Governor)
		units  int
		want   Limit
	}{
		{
			name:   "tpm counts estimate",
			limits: Limits{TokensPerMinute: 1000},
			setup:  func(g *Governor) { g.RecordRequest(900, 0, "x") },
			units:  101,
			want:   LimitTPM,
		},
		{
			name:   "per request cost",
			limits: Limits{MaxCostPerRequest: 0.5},
			units:  51,
			want:   LimitRequestCost,
		},
		{
			name:   "hourly cost",
			limits: Limits{MaxCostPerHour: 1.0},
			setup:  func(g *Governor) { g.RecordRequest(0, 0.95, "x") },
			units:  10,
			want:   LimitHourlyCost,
		},
		{
			name:   "daily cost",
			limits: Limits{MaxCostPerDay: 2.0},
			setup:  func(g *Governor) { g.RecordRequest(0, 1.99, "x") },
			units:  2,
			want:   LimitDailyCost,
		},
		{
			name:   "rpm wins over tpm",
			limits: Limits{RequestsPerMinute: 1, TokensPerMinute: 10},
			setup:  func(g *Governor) { g.RecordRequest(10, 0, "x") },
			units:  10,
			want:   LimitRPM,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGovernor(tt.limits, nil, WithCostEstimator(flatCost), WithClock(newFakeClock().Now))
			if tt.setup != nil {
				tt.setup(g)
			}
			err := g.CheckBeforeRequest(tt.units, "op")
			var qe *ExceededError
			require.ErrorAs(t, err, &qe)
			assert.Equal(t, tt.want, qe.Limit)
			assert.Equal(t, "op", qe.Operation)
		})
	}
}

func TestGovernor_RecordRequestNeverRejects(t *testing.T) {
	g := NewGovernor(Limits{RequestsPerMinute: 1, MaxCostPerHour: 0.01}, nil, WithClock(newFakeClock().Now))
	for i := 0; i < 5; i++ {
		g.RecordRequest(10, 1.0, "burst")
	}
	m := g.Metrics()
	assert.Equal(t, 5, m.RequestsThisMinute)
	assert.InDelta(t, 5.0, m.CostThisHour, 1e-9)
}

func TestGovernor_NegativeInputsClampToZero(t *testing.T) {
	g := NewGovernor(Limits{}, nil, WithClock(newFakeClock().Now))
	g.RecordRequest(-50, -1.0, "refund")
	m := g.Metrics()
	assert.Equal(t, 0, m.TokensThisMinute)
	assert.Equal(t, 0.0, m.CostThisHour)
	assert.Equal(t, int64(1), m.TotalRequests)
}

func TestGovernor_WindowResetKeepsLifetimeTotals(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(Limits{}, nil, WithClock(clock.Now))
	g.RecordRequest(100, 0.5, "a")
	g.RecordRequest(200, 0.25, "b")

	clock.Advance(25 * time.Hour)
	g.RecordRequest(10, 0.1, "c")

	m := g.Metrics()
	assert.Equal(t, 1, m.RequestsThisMinute)
	assert.Equal(t, 10, m.TokensThisMinute)
	assert.InDelta(t, 0.1, m.CostThisHour, 1e-9)
	assert.InDelta(t, 0.1, m.CostToday, 1e-9)
	assert.Equal(t, int64(3), m.TotalRequests)
	assert.Equal(t, int64(310), m.TotalTokens)
	assert.InDelta(t, 0.85, m.TotalCost, 1e-9)
}

func TestGovernor_WindowResetsOnlyAfterPeriodElapsed(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(Limits{RequestsPerMinute: 1}, nil, WithClock(clock.Now))
	g.RecordRequest(1, 0, "a")

	clock.Advance(60 * time.Second)
	assert.Error(t, g.CheckBeforeRequest(1, "a"), "window still open at exactly 60s")

	clock.Advance(time.Second)
	assert.NoError(t, g.CheckBeforeRequest(1, "a"))
}

func TestGovernor_MetricsReportExpiredWindowsAsEmpty(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(Limits{}, nil, WithClock(clock.Now))
	g.RecordRequest(10, 0.2, "a")

	clock.Advance(2 * time.Minute)
	first := g.Metrics()
	second := g.Metrics()
	assert.Equal(t, first, second)
	assert.Equal(t, 0, first.RequestsThisMinute)
	assert.InDelta(t, 0.2, first.CostThisHour, 1e-9)
}

func TestGovernor_CostWarnings(t *testing.T) {
	clock := newFakeClock()
	var got []Warning
	g := NewGovernor(Limits{MaxCostPerHour: 1.0, MaxCostPerDay: 10.0}, nil,
		WithClock(clock.Now),
		WithWarningFunc(func(w Warning) { got = append(got, w) }))

	g.RecordRequest(0, 0.5, "a")
	assert.Empty(t, got)

	g.RecordRequest(0, 0.35, "b")
	require.Len(t, got, 1)
	assert.Equal(t, "hourly", got[0].Window)
	assert.Equal(t, "b", got[0].Operation)
	assert.InDelta(t, 0.85, got[0].Spent, 1e-9)

	// Once per window.
	g.RecordRequest(0, 0.1, "c")
	assert.Len(t, got, 1)

	clock.Advance(61 * time.Minute)
	g.RecordRequest(0, 0.9, "d")
	require.Len(t, got, 2)
	assert.Equal(t, "hourly", got[1].Window)
}

func TestGovernor_DailyWarning(t *testing.T) {
	var got []Warning
	g := NewGovernor(Limits{MaxCostPerDay: 1.0}, nil,
		WithClock(newFakeClock().Now),
		WithWarningFunc(func(w Warning) { got = append(got, w) }))

	g.RecordRequest(0, 0.81, "a")
	require.Len(t, got, 1)
	assert.Equal(t, "daily", got[0].Window)
}

func TestGovernor_PluggableEstimator(t *testing.T) {
	var seen []int
	est := CostEstimatorFunc(func(units int) float64 {
		seen = append(seen, units)
		return 10
	})
	g := NewGovernor(Limits{MaxCostPerRequest: 5}, nil, WithCostEstimator(est), WithClock(newFakeClock().Now))

	err := g.CheckBeforeRequest(7, "x")
	var qe *ExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, LimitRequestCost, qe.Limit)
	assert.Equal(t, []int{7}, seen)
	assert.Equal(t, 10.0, g.EstimateCost(1))
}

func TestLinearCostEstimator(t *testing.T) {
	est := DefaultCostEstimator()
	assert.InDelta(t, 9.0, est.EstimateCost(1_000_000), 1e-9)
	assert.Equal(t, 0.0, est.EstimateCost(0))

	allInput := LinearCostEstimator{InputPricePerUnit: 1, OutputPricePerUnit: 2, InputShare: 1}
	assert.Equal(t, 10.0, allInput.EstimateCost(10))
}

func TestGovernor_ReserveIsAtomic(t *testing.T) {
	g := NewGovernor(Limits{RequestsPerMinute: 10}, nil, WithClock(newFakeClock().Now))

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := g.Reserve(1, "race")
			if err != nil {
				assert.True(t, errors.Is(err, ErrExceeded))
				return
			}
			admitted.Add(1)
			r.Commit(1, 0)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load())
	assert.Equal(t, int64(10), g.Metrics().TotalRequests)
}

func TestReservation_CommitReplacesEstimate(t *testing.T) {
	g := NewGovernor(Limits{TokensPerMinute: 1000}, nil, WithCostEstimator(flatCost), WithClock(newFakeClock().Now))

	r, err := g.Reserve(800, "big")
	require.NoError(t, err)
	assert.Equal(t, 800, g.Metrics().TokensThisMinute)
	assert.Error(t, g.CheckBeforeRequest(300, "other"))

	r.Commit(100, 1.0)
	m := g.Metrics()
	assert.Equal(t, 100, m.TokensThisMinute)
	assert.Equal(t, 1, m.RequestsThisMinute)
	assert.InDelta(t, 1.0, m.CostThisHour, 1e-9)

	// Second commit is a no-op.
	r.Commit(500, 5.0)
	assert.Equal(t, 100, g.Metrics().TokensThisMinute)
}

func TestReservation_CancelReleasesCapacity(t *testing.T) {
	g := NewGovernor(Limits{RequestsPerMinute: 1}, nil, WithClock(newFakeClock().Now))

	r, err := g.Reserve(1, "a")
	require.NoError(t, err)
	_, err = g.Reserve(1, "b")
	require.Error(t, err)

	r.Cancel()
	m := g.Metrics()
	assert.Equal(t, 0, m.RequestsThisMinute)
	assert.Equal(t, int64(0), m.TotalRequests)

	_, err = g.Reserve(1, "b")
	assert.NoError(t, err)
}

func TestReservation_CommitAfterWindowRoll(t *testing.T) {
	clock := newFakeClock()
	g := NewGovernor(Limits{}, nil, WithClock(clock.Now))

	r, err := g.Reserve(50, "slow")
	require.NoError(t, err)
	clock.Advance(90 * time.Second)
	r.Commit(40, 0)

	m := g.Metrics()
	assert.Equal(t, 1, m.RequestsThisMinute)
	assert.Equal(t, 40, m.TokensThisMinute)
}

func TestExceededError_Messages(t *testing.T) {
	err := &ExceededError{Limit: LimitHourlyCost, Operation: "coding", Current: 10.5, Max: 10}
	assert.Equal(t, "quota exceeded for coding: hourly cost limit would be exceeded: $10.5000 (limit $10.0000)", err.Error())

	err = &ExceededError{Limit: LimitRPM, Current: 10, Max: 10}
	assert.Equal(t, "quota exceeded: RPM limit reached: 10 requests in current minute (limit 10)", err.Error())
}
