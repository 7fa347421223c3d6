package gates

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var evaluationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vibe",
		Subsystem: "gates",
		Name:      "evaluations_total",
		Help:      "Total number of quality gate evaluations by check and outcome",
	},
	[]string{"check", "status", "blocking"},
)

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source for result timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) {
		r.now = now
	}
}

// Recorder runs registered audit checks and records their verdicts.
type Recorder struct {
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	checks   map[string]AuditCheck
	policies map[string][]Policy
}

// NewRecorder creates a recorder with no checks registered.
func NewRecorder(logger *zap.Logger, opts ...Option) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		logger:   logger,
		now:      time.Now,
		checks:   make(map[string]AuditCheck),
		policies: make(map[string][]Policy),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterCheck makes an audit check available under name.
func (r *Recorder) RegisterCheck(name string, check AuditCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = check
}

// SetPolicies replaces the checks configured for a transition.
func (r *Recorder) SetPolicies(transition string, policies []Policy) error {
	for _, p := range policies {
		if p.Check == "" {
			return fmt.Errorf("gate policy for %s has no check name", transition)
		}
		if !p.Severity.Valid() {
			return fmt.Errorf("gate policy %s on %s has invalid severity %q", p.Check, transition, p.Severity)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[transition] = append([]Policy(nil), policies...)
	return nil
}

// Policies returns the checks configured for a transition.
func (r *Recorder) Policies(transition string) []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Policy(nil), r.policies[transition]...)
}

// EvaluateTransition evaluates the configured policies of a transition.
func (r *Recorder) EvaluateTransition(ctx context.Context, transition string, bundle Bundle, sink Sink) ([]Result, error) {
	return r.Evaluate(ctx, transition, r.Policies(transition), bundle, sink)
}

// Evaluate runs every check in order, hands all results to sink, and only
// then returns *GateBlockedError for the first failing blocking check.
//
// A check that errors or is not registered counts as FAIL. If sink fails the
// sink error is returned and no gate outcome is reported.
func (r *Recorder) Evaluate(ctx context.Context, transition string, policies []Policy, bundle Bundle, sink Sink) ([]Result, error) {
	if len(policies) == 0 {
		return nil, nil
	}

	results := make([]Result, 0, len(policies))
	for _, p := range policies {
		results = append(results, r.run(ctx, p, bundle))
	}

	if sink != nil {
		if err := sink(ctx, transition, results); err != nil {
			return results, fmt.Errorf("recording gate results for %s: %w", transition, err)
		}
	}

	var blocked *GateBlockedError
	for _, res := range results {
		evaluationsTotal.WithLabelValues(res.Check, string(res.Status), fmt.Sprint(res.Blocking)).Inc()
		if res.Passed() {
			continue
		}
		fields := []zap.Field{
			zap.String("transition", transition),
			zap.String("check", res.Check),
			zap.String("severity", string(res.Severity)),
			zap.Int("findings", res.Findings),
			zap.String("message", res.Message),
		}
		if !res.Blocking {
			r.logger.Warn("advisory quality gate failed", fields...)
			continue
		}
		r.logger.Error("blocking quality gate failed", fields...)
		if blocked == nil {
			blocked = &GateBlockedError{
				Transition:  transition,
				Check:       res.Check,
				Severity:    res.Severity,
				Findings:    res.Findings,
				Message:     res.Message,
				Remediation: res.Remediation,
			}
		}
	}
	if blocked != nil {
		return results, blocked
	}
	return results, nil
}

func (r *Recorder) run(ctx context.Context, p Policy, bundle Bundle) Result {
	res := Result{
		ID:       uuid.NewString(),
		Check:    p.Check,
		Severity: p.Severity,
		Blocking: p.Blocking,
	}

	r.mu.RLock()
	check, ok := r.checks[p.Check]
	r.mu.RUnlock()

	start := r.now()
	var v Verdict
	var err error
	if !ok {
		err = fmt.Errorf("audit check %s not registered", p.Check)
	} else {
		v, err = check.Run(ctx, p.Check, bundle)
	}
	res.Timestamp = r.now()

	switch {
	case err != nil:
		res.Status = StatusFail
		res.Message = err.Error()
		res.DurationMS = res.Timestamp.Sub(start).Milliseconds()
	case v.Status != StatusPass && v.Status != StatusFail:
		res.Status = StatusFail
		res.Message = fmt.Sprintf("audit check returned unknown status %q", v.Status)
		res.DurationMS = v.DurationMS
	default:
		res.Status = v.Status
		res.Findings = v.Findings
		res.Message = v.Message
		res.Remediation = v.Remediation
		res.DurationMS = v.DurationMS
	}
	return res
}
