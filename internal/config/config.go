// Package config loads vibe configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mplewis/vibe-agency-sub002/internal/breaker"
	"github.com/mplewis/vibe-agency-sub002/internal/executor"
	"github.com/mplewis/vibe-agency-sub002/internal/gates"
	"github.com/mplewis/vibe-agency-sub002/internal/logging"
	"github.com/mplewis/vibe-agency-sub002/internal/orchestrator"
	"github.com/mplewis/vibe-agency-sub002/internal/quota"
	"github.com/mplewis/vibe-agency-sub002/internal/telemetry"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Config is the top-level configuration.
type Config struct {
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	Store        StoreConfig        `koanf:"store"`
	Breaker      BreakerConfig      `koanf:"breaker"`
	Quota        QuotaConfig        `koanf:"quota"`
	Gates        []GateConfig       `koanf:"gates"`
	AuditChecks  []AuditCheckConfig `koanf:"audit_checks"`
	Executors    []ExecutorConfig   `koanf:"executors"`
	Server       ServerConfig       `koanf:"server"`
	Logging      logging.Config     `koanf:"logging"`
	Telemetry    telemetry.Config   `koanf:"telemetry"`
}

// OrchestratorConfig configures the phase state machine.
type OrchestratorConfig struct {
	MaxRepairAttempts int     `koanf:"max_repair_attempts"`
	DefaultBudgetUSD  float64 `koanf:"default_budget_usd"`
	WorkflowsDir      string  `koanf:"workflows_dir"`
	WatchWorkflows    bool    `koanf:"watch_workflows"`
	// AdvanceConcurrency bounds AdvanceAll.
	AdvanceConcurrency int `koanf:"advance_concurrency"`
	// Workflows is a list rather than a map because positions contain the
	// koanf key delimiter.
	Workflows []WorkflowBinding `koanf:"workflows"`
}

// WorkflowBinding names the workflow that does the work of one position.
type WorkflowBinding struct {
	Position string `koanf:"position"`
	Workflow string `koanf:"workflow"`
}

// StoreConfig selects where manifests live.
type StoreConfig struct {
	Backend string `koanf:"backend"`
	// Dir is the manifest directory for the file backend.
	Dir string `koanf:"dir"`
	// Path is the database file for the sqlite backend.
	Path string `koanf:"path"`
}

// BreakerConfig configures the executor circuit breaker.
type BreakerConfig struct {
	FailureThreshold int      `koanf:"failure_threshold"`
	WindowSize       Duration `koanf:"window_size"`
	RecoveryTimeout  Duration `koanf:"recovery_timeout"`
	CallTimeout      Duration `koanf:"call_timeout"`
}

// QuotaConfig configures the quota governor.
type QuotaConfig struct {
	RequestsPerMinute int     `koanf:"requests_per_minute"`
	TokensPerMinute   int     `koanf:"tokens_per_minute"`
	MaxCostPerRequest float64 `koanf:"max_cost_per_request"`
	MaxCostPerHour    float64 `koanf:"max_cost_per_hour"`
	MaxCostPerDay     float64 `koanf:"max_cost_per_day"`
	WarningRatio      float64 `koanf:"warning_ratio"`
	// EstimatedUnits is the token estimate admitted per workflow step.
	EstimatedUnits int `koanf:"estimated_units"`
	// Prices are USD per million units.
	InputPricePerMillion  float64 `koanf:"input_price_per_million"`
	OutputPricePerMillion float64 `koanf:"output_price_per_million"`
}

// GateConfig lists the audit checks run on one transition, e.g.
// "PLANNING.RESEARCH→PLANNING.BUSINESS_VALIDATION".
type GateConfig struct {
	Transition string         `koanf:"transition"`
	Policies   []gates.Policy `koanf:"policies"`
}

// AuditCheckConfig describes a remote audit check that gate policies refer
// to by name.
type AuditCheckConfig struct {
	Name    string   `koanf:"name"`
	URL     string   `koanf:"url"`
	APIKey  Secret   `koanf:"api_key"`
	Timeout Duration `koanf:"timeout"`
}

// ExecutorConfig describes one remote agent executor.
type ExecutorConfig struct {
	Name      string   `koanf:"name"`
	BaseURL   string   `koanf:"base_url"`
	APIKey    Secret   `koanf:"api_key"`
	Skills    []string `koanf:"skills"`
	RateLimit float64  `koanf:"rate_limit"`
	Burst     int      `koanf:"burst"`
	Timeout   Duration `koanf:"timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Validate checks the configuration for errors. Defaults must already be
// applied.
func (c *Config) Validate() error {
	var errs []error

	if c.Orchestrator.MaxRepairAttempts < 1 {
		errs = append(errs, fmt.Errorf("orchestrator.max_repair_attempts must be >= 1, got %d", c.Orchestrator.MaxRepairAttempts))
	}
	if c.Orchestrator.DefaultBudgetUSD < 0 {
		errs = append(errs, errors.New("orchestrator.default_budget_usd must not be negative"))
	}
	if c.Orchestrator.WorkflowsDir == "" {
		errs = append(errs, errors.New("orchestrator.workflows_dir is required"))
	}
	seen := make(map[string]bool)
	for i, b := range c.Orchestrator.Workflows {
		if _, ok := orchestrator.ParsePosition(b.Position); !ok {
			errs = append(errs, fmt.Errorf("orchestrator.workflows[%d]: unknown position %q", i, b.Position))
		}
		if b.Workflow == "" {
			errs = append(errs, fmt.Errorf("orchestrator.workflows[%d]: workflow is required", i))
		}
		if seen[b.Position] {
			errs = append(errs, fmt.Errorf("orchestrator.workflows[%d]: position %s bound twice", i, b.Position))
		}
		seen[b.Position] = true
	}

	switch c.Store.Backend {
	case StoreFile:
		if c.Store.Dir == "" {
			errs = append(errs, errors.New("store.dir is required for the file backend"))
		}
	case StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", StoreFile, StoreSQLite, c.Store.Backend))
	}

	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be >= 1"))
	}
	if c.Quota.WarningRatio <= 0 || c.Quota.WarningRatio > 1 {
		errs = append(errs, fmt.Errorf("quota.warning_ratio must be in (0, 1], got %v", c.Quota.WarningRatio))
	}
	if c.Quota.RequestsPerMinute < 0 || c.Quota.TokensPerMinute < 0 {
		errs = append(errs, errors.New("quota rate limits must not be negative"))
	}

	gated := make(map[string]bool)
	for _, t := range orchestrator.GatedTransitions() {
		gated[t] = true
	}
	for i, g := range c.Gates {
		switch {
		case !strings.Contains(g.Transition, "→"):
			errs = append(errs, fmt.Errorf("gates[%d]: transition %q must be FROM→TO", i, g.Transition))
		case !gated[g.Transition]:
			errs = append(errs, fmt.Errorf("gates[%d]: transition %q is not a gated transition (one of %s)",
				i, g.Transition, strings.Join(orchestrator.GatedTransitions(), ", ")))
		}
		for _, p := range g.Policies {
			if p.Check == "" {
				errs = append(errs, fmt.Errorf("gates[%d]: policy without check", i))
			}
			if !p.Severity.Valid() {
				errs = append(errs, fmt.Errorf("gates[%d]: check %s has invalid severity %q", i, p.Check, p.Severity))
			}
		}
	}

	checks := make(map[string]bool)
	for i, a := range c.AuditChecks {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("audit_checks[%d]: name is required", i))
		}
		if checks[a.Name] {
			errs = append(errs, fmt.Errorf("audit_checks[%d]: duplicate name %q", i, a.Name))
		}
		checks[a.Name] = true
		if !strings.HasPrefix(a.URL, "http://") && !strings.HasPrefix(a.URL, "https://") {
			errs = append(errs, fmt.Errorf("audit_checks[%d]: url must be http(s), got %q", i, a.URL))
		}
	}

	names := make(map[string]bool)
	for i, e := range c.Executors {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("executors[%d]: name is required", i))
		}
		if names[e.Name] {
			errs = append(errs, fmt.Errorf("executors[%d]: duplicate name %q", i, e.Name))
		}
		names[e.Name] = true
		if !strings.HasPrefix(e.BaseURL, "http://") && !strings.HasPrefix(e.BaseURL, "https://") {
			errs = append(errs, fmt.Errorf("executors[%d]: base_url must be http(s), got %q", i, e.BaseURL))
		}
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if err := c.Logging.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}

// BreakerConfig returns the circuit breaker settings for name.
func (c *Config) BreakerConfig(name string) breaker.Config {
	return breaker.Config{
		Name:             name,
		FailureThreshold: c.Breaker.FailureThreshold,
		WindowSize:       c.Breaker.WindowSize.Duration(),
		RecoveryTimeout:  c.Breaker.RecoveryTimeout.Duration(),
		CallTimeout:      c.Breaker.CallTimeout.Duration(),
	}
}

// QuotaLimits returns the governor limits.
func (c *Config) QuotaLimits() quota.Limits {
	return quota.Limits{
		RequestsPerMinute: c.Quota.RequestsPerMinute,
		TokensPerMinute:   c.Quota.TokensPerMinute,
		MaxCostPerRequest: c.Quota.MaxCostPerRequest,
		MaxCostPerHour:    c.Quota.MaxCostPerHour,
		MaxCostPerDay:     c.Quota.MaxCostPerDay,
		WarningRatio:      c.Quota.WarningRatio,
	}
}

// CostEstimator prices units from the configured per-million rates.
func (c *Config) CostEstimator() quota.LinearCostEstimator {
	return quota.LinearCostEstimator{
		InputPricePerUnit:  c.Quota.InputPricePerMillion / 1_000_000,
		OutputPricePerUnit: c.Quota.OutputPricePerMillion / 1_000_000,
		InputShare:         0.5,
	}
}

// MachineConfig returns the state machine settings.
func (c *Config) MachineConfig() orchestrator.Config {
	bindings := make(map[string]string, len(c.Orchestrator.Workflows))
	for _, b := range c.Orchestrator.Workflows {
		bindings[b.Position] = b.Workflow
	}
	return orchestrator.Config{
		MaxRepairAttempts: c.Orchestrator.MaxRepairAttempts,
		Workflows:         bindings,
		DefaultBudgetUSD:  c.Orchestrator.DefaultBudgetUSD,
	}
}

// HTTPExecutors returns the remote executor settings.
func (c *Config) HTTPExecutors() []executor.HTTPConfig {
	out := make([]executor.HTTPConfig, 0, len(c.Executors))
	for _, e := range c.Executors {
		out = append(out, executor.HTTPConfig{
			Name:      e.Name,
			BaseURL:   e.BaseURL,
			APIKey:    e.APIKey.Value(),
			Skills:    append([]string(nil), e.Skills...),
			RateLimit: e.RateLimit,
			Burst:     e.Burst,
			Timeout:   e.Timeout.Duration(),
		})
	}
	return out
}

// ApplyGates registers the configured audit checks on r and installs the
// gate policies. A policy naming a check that is not registered fails
// closed at evaluation time.
func (c *Config) ApplyGates(r *gates.Recorder) error {
	for _, a := range c.AuditChecks {
		r.RegisterCheck(a.Name, &gates.HTTPCheck{
			URL:     a.URL,
			APIKey:  a.APIKey.Value(),
			Timeout: a.Timeout.Duration(),
		})
	}
	for _, g := range c.Gates {
		if err := r.SetPolicies(g.Transition, g.Policies); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Orchestrator.MaxRepairAttempts == 0 {
		cfg.Orchestrator.MaxRepairAttempts = orchestrator.DefaultMaxRepairAttempts
	}
	if cfg.Orchestrator.WorkflowsDir == "" {
		cfg.Orchestrator.WorkflowsDir = "workflows"
	}
	if cfg.Orchestrator.AdvanceConcurrency == 0 {
		cfg.Orchestrator.AdvanceConcurrency = 4
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreFile
	}
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "state/projects"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "state/vibe.db"
	}

	bd := breaker.DefaultConfig()
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = bd.FailureThreshold
	}
	if cfg.Breaker.WindowSize == 0 {
		cfg.Breaker.WindowSize = Duration(bd.WindowSize)
	}
	if cfg.Breaker.RecoveryTimeout == 0 {
		cfg.Breaker.RecoveryTimeout = Duration(bd.RecoveryTimeout)
	}

	ql := quota.DefaultLimits()
	if cfg.Quota.RequestsPerMinute == 0 {
		cfg.Quota.RequestsPerMinute = ql.RequestsPerMinute
	}
	if cfg.Quota.TokensPerMinute == 0 {
		cfg.Quota.TokensPerMinute = ql.TokensPerMinute
	}
	if cfg.Quota.MaxCostPerRequest == 0 {
		cfg.Quota.MaxCostPerRequest = ql.MaxCostPerRequest
	}
	if cfg.Quota.MaxCostPerHour == 0 {
		cfg.Quota.MaxCostPerHour = ql.MaxCostPerHour
	}
	if cfg.Quota.MaxCostPerDay == 0 {
		cfg.Quota.MaxCostPerDay = ql.MaxCostPerDay
	}
	if cfg.Quota.WarningRatio == 0 {
		cfg.Quota.WarningRatio = ql.WarningRatio
	}
	if cfg.Quota.EstimatedUnits == 0 {
		cfg.Quota.EstimatedUnits = 2000
	}
	if cfg.Quota.InputPricePerMillion == 0 && cfg.Quota.OutputPricePerMillion == 0 {
		cfg.Quota.InputPricePerMillion = 3
		cfg.Quota.OutputPricePerMillion = 15
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
}
