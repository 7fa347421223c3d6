// Package gates runs external audit checks attached to phase transitions and
// records every verdict before deciding whether the transition may proceed.
//
// Whether a failing check blocks the transition or only warns is explicit
// per-check configuration (Policy). Nothing is inferred from the check name
// or its findings.
package gates

import (
	"context"
	"time"
)

// Status is the verdict of one check.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
)

// Severity ranks a check for reporting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Bundle is the context handed to audit checks: artifacts, phase, project id
// and whatever else the caller wants the check to see.
type Bundle map[string]any

// Verdict is what an audit check reports.
type Verdict struct {
	Status      Status `json:"status"`
	Findings    int    `json:"findings"`
	Message     string `json:"message"`
	Remediation string `json:"remediation"`
	DurationMS  int64  `json:"duration_ms"`
}

// AuditCheck is an external pass/fail check.
type AuditCheck interface {
	Run(ctx context.Context, name string, bundle Bundle) (Verdict, error)
}

// AuditCheckFunc adapts a function to AuditCheck.
type AuditCheckFunc func(ctx context.Context, name string, bundle Bundle) (Verdict, error)

// Run calls f.
func (f AuditCheckFunc) Run(ctx context.Context, name string, bundle Bundle) (Verdict, error) {
	return f(ctx, name, bundle)
}

// Policy configures one check on one transition.
type Policy struct {
	Check    string   `koanf:"check" json:"check"`
	Severity Severity `koanf:"severity" json:"severity"`
	// Blocking failures abort the transition. Non-blocking failures are
	// recorded and logged as warnings.
	Blocking bool `koanf:"blocking" json:"blocking"`
}

// Result is the immutable record of one gate evaluation.
type Result struct {
	ID          string    `json:"id"`
	Check       string    `json:"check"`
	Severity    Severity  `json:"severity"`
	Blocking    bool      `json:"blocking"`
	Status      Status    `json:"status"`
	Findings    int       `json:"findings"`
	Message     string    `json:"message"`
	Remediation string    `json:"remediation,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// Passed reports whether the check passed.
func (r Result) Passed() bool {
	return r.Status == StatusPass
}

// Sink persists gate results for a transition. Evaluate calls it once with
// every result before deciding the outcome.
type Sink func(ctx context.Context, transition string, results []Result) error
