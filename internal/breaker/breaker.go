package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the circuit state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config configures a Breaker.
type Config struct {
	// Name identifies the protected call-site in errors, logs and metrics.
	Name string

	// FailureThreshold is the number of failures within WindowSize that
	// opens the circuit (default: 5).
	FailureThreshold int

	// WindowSize is the rolling window failures are counted over (default: 60s).
	WindowSize time.Duration

	// RecoveryTimeout is how long the circuit stays OPEN before a probe is
	// allowed (default: 60s).
	RecoveryTimeout time.Duration

	// CallTimeout bounds each protected call. Zero means only the caller's
	// context applies.
	CallTimeout time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		Name:             "executor",
		FailureThreshold: 5,
		WindowSize:       60 * time.Second,
		RecoveryTimeout:  60 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Name == "" {
		c.Name = d.Name
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
}

// Counts are cumulative call counters.
type Counts struct {
	Total    int64 `json:"total"`
	Success  int64 `json:"success"`
	Failed   int64 `json:"failed"`
	Rejected int64 `json:"rejected"`
}

// Transition records a state change.
type Transition struct {
	At   time.Time `json:"at"`
	From State     `json:"from"`
	To   State     `json:"to"`
}

// Snapshot is a read-only view of a breaker.
type Snapshot struct {
	Name             string       `json:"name"`
	State            State        `json:"state"`
	Counts           Counts       `json:"counts"`
	FailuresInWindow int          `json:"failures_in_window"`
	LastFailureTime  time.Time    `json:"last_failure_time,omitempty"`
	LastFailureError string       `json:"last_failure_error,omitempty"`
	Transitions      []Transition `json:"transitions"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source. Used by tests to drive the windows.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// Breaker is a circuit breaker guarding one external dependency.
type Breaker struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu            sync.Mutex
	state         State
	failures      []time.Time
	lastFailure   time.Time
	lastErr       error
	probeInFlight bool
	counts        Counts
	transitions   []Transition
}

// New creates a breaker in the CLOSED state.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Breaker {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		cfg:    cfg,
		logger: logger.With(zap.String("breaker", cfg.Name)),
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	stateGauge.WithLabelValues(cfg.Name).Set(stateValue(StateClosed))
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Execute runs fn if the circuit admits the call and records the outcome.
//
// Rejections return *OpenError or *HalfOpenProbeRejectedError without calling
// fn. When CallTimeout is set, fn receives a context bounded by it; a call
// that exceeds the timeout counts as a failure. A call abandoned because the
// caller's own context was cancelled is not held against the dependency.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err = fn(callCtx)
	if err != nil && errors.Is(ctx.Err(), context.Canceled) {
		b.release(probe)
		return err
	}
	b.record(probe, err)
	return err
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

// CanExecute reports whether a call made now would be admitted. It does not
// change state; use Execute to actually claim the call.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		return b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout
	case StateHalfOpen:
		return !b.probeInFlight
	default:
		return true
	}
}

// admit decides whether a call may proceed and performs the OPEN→HALF_OPEN
// move under the same lock. It reports whether the admitted call is a probe.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.Total++
	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed < b.cfg.RecoveryTimeout {
			b.reject()
			return false, &OpenError{Name: b.cfg.Name, RetryIn: b.cfg.RecoveryTimeout - elapsed}
		}
		b.transition(StateHalfOpen)
		b.probeInFlight = true
		return true, nil
	case StateHalfOpen:
		if b.probeInFlight {
			b.reject()
			return false, &HalfOpenProbeRejectedError{Name: b.cfg.Name}
		}
		b.probeInFlight = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) reject() {
	b.counts.Rejected++
	callsTotal.WithLabelValues(b.cfg.Name, "rejected").Inc()
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if probe {
		b.probeInFlight = false
	}

	if err == nil {
		b.counts.Success++
		callsTotal.WithLabelValues(b.cfg.Name, "success").Inc()
		if b.state == StateHalfOpen {
			b.failures = nil
			b.lastErr = nil
			b.transition(StateClosed)
		}
		return
	}

	b.counts.Failed++
	callsTotal.WithLabelValues(b.cfg.Name, "failure").Inc()
	b.lastFailure = now
	b.lastErr = err

	switch b.state {
	case StateHalfOpen:
		// lastFailure above is the new baseline for the recovery timer.
		b.failures = []time.Time{now}
		b.transition(StateOpen)
	case StateClosed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

// prune drops failure timestamps older than the window. Caller holds mu.
func (b *Breaker) prune(now time.Time) {
	keep := b.failures[:0]
	for _, ts := range b.failures {
		if now.Sub(ts) <= b.cfg.WindowSize {
			keep = append(keep, ts)
		}
	}
	b.failures = keep
}

// transition changes state and records it. Caller holds mu.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.transitions = append(b.transitions, Transition{At: b.now(), From: from, To: to})
	stateGauge.WithLabelValues(b.cfg.Name).Set(stateValue(to))
	transitionsTotal.WithLabelValues(b.cfg.Name, string(from), string(to)).Inc()

	fields := []zap.Field{zap.String("from", string(from)), zap.String("to", string(to))}
	if to == StateOpen {
		if b.lastErr != nil {
			fields = append(fields, zap.NamedError("last_error", b.lastErr))
		}
		fields = append(fields, zap.Duration("recovery_timeout", b.cfg.RecoveryTimeout))
		b.logger.Warn("circuit opened", fields...)
		return
	}
	b.logger.Info("circuit state changed", fields...)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a snapshot of counters and the transition history.
// It never mutates the breaker.
func (b *Breaker) Metrics() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	inWindow := 0
	for _, ts := range b.failures {
		if now.Sub(ts) <= b.cfg.WindowSize {
			inWindow++
		}
	}
	snap := Snapshot{
		Name:             b.cfg.Name,
		State:            b.state,
		Counts:           b.counts,
		FailuresInWindow: inWindow,
		LastFailureTime:  b.lastFailure,
		Transitions:      append([]Transition(nil), b.transitions...),
	}
	if b.lastErr != nil {
		snap.LastFailureError = b.lastErr.Error()
	}
	return snap
}

// Reset forces the circuit CLOSED and clears all counters and history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.state
	b.state = StateClosed
	b.failures = nil
	b.lastFailure = time.Time{}
	b.lastErr = nil
	b.probeInFlight = false
	b.counts = Counts{}
	b.transitions = nil
	stateGauge.WithLabelValues(b.cfg.Name).Set(stateValue(StateClosed))
	b.logger.Info("circuit reset", zap.String("from", string(from)))
}
