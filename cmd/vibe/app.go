package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/mplewis/vibe-agency-sub002/internal/breaker"
	"github.com/mplewis/vibe-agency-sub002/internal/config"
	"github.com/mplewis/vibe-agency-sub002/internal/executor"
	"github.com/mplewis/vibe-agency-sub002/internal/gates"
	vibehttp "github.com/mplewis/vibe-agency-sub002/internal/http"
	"github.com/mplewis/vibe-agency-sub002/internal/logging"
	"github.com/mplewis/vibe-agency-sub002/internal/manifest"
	"github.com/mplewis/vibe-agency-sub002/internal/orchestrator"
	"github.com/mplewis/vibe-agency-sub002/internal/quota"
	"github.com/mplewis/vibe-agency-sub002/internal/telemetry"
	"github.com/mplewis/vibe-agency-sub002/internal/workflow"
)

// app holds the wired dependencies of one command invocation.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     manifest.Store
	registry  *workflow.Registry
	machine   *orchestrator.Machine
}

type appOption func(*appOptions)

type appOptions struct {
	executors []executor.Executor
	logOutput io.Writer
}

// withExecutors adds executors next to the configured HTTP ones.
func withExecutors(execs ...executor.Executor) appOption {
	return func(o *appOptions) { o.executors = append(o.executors, execs...) }
}

func withLogOutput(w io.Writer) appOption {
	return func(o *appOptions) { o.logOutput = w }
}

// newApp loads configuration and wires every component:
//  1. config and logger
//  2. telemetry
//  3. manifest store
//  4. workflow registry
//  5. executors behind the breaker and quota governor
//  6. gate recorder and state machine
func newApp(ctx context.Context, configPath string, opts ...appOption) (a *app, err error) {
	o := appOptions{logOutput: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLoggerTo(&cfg.Logging, o.logOutput, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()
	zl := logger.Underlying()

	a.telemetry, err = telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	if h := a.telemetry.Health(); h.Degraded {
		zl.Warn("telemetry degraded", zap.Strings("reasons", h.Reasons))
	}

	a.store, err = openStore(ctx, cfg.Store, zl)
	if err != nil {
		return nil, err
	}

	a.registry = workflow.NewRegistry(cfg.Orchestrator.WorkflowsDir, zl)
	if err := a.registry.Load(); err != nil {
		return nil, fmt.Errorf("loading workflows: %w", err)
	}

	execs := append([]executor.Executor(nil), o.executors...)
	for _, ec := range cfg.HTTPExecutors() {
		he, err := executor.NewHTTPExecutor(ec, zl)
		if err != nil {
			return nil, fmt.Errorf("executor %s: %w", ec.Name, err)
		}
		execs = append(execs, he)
	}
	if len(execs) == 0 {
		zl.Warn("no executors configured; advancing workflow phases will fail")
	}

	governor := quota.NewGovernor(cfg.QuotaLimits(), zl,
		quota.WithName("executor"),
		quota.WithCostEstimator(cfg.CostEstimator()),
		quota.WithWarningFunc(func(w quota.Warning) {
			zl.Warn("cost threshold reached",
				zap.String("window", w.Window),
				zap.Float64("spent_usd", w.Spent),
				zap.Float64("limit_usd", w.Limit),
				zap.String("operation", w.Operation))
		}))
	sched := workflow.NewScheduler(execs, zl,
		workflow.WithGovernor(governor),
		workflow.WithBreaker(breaker.New(cfg.BreakerConfig("executor"), zl)),
		workflow.WithEstimatedUnits(cfg.Quota.EstimatedUnits))

	recorder := gates.NewRecorder(zl)
	if err := cfg.ApplyGates(recorder); err != nil {
		return nil, fmt.Errorf("configuring gates: %w", err)
	}

	a.machine, err = orchestrator.New(a.store, sched, a.registry, cfg.MachineConfig(), zl,
		orchestrator.WithGates(recorder),
		orchestrator.WithTracer(a.telemetry.Tracer("github.com/mplewis/vibe-agency-sub002/internal/orchestrator")))
	if err != nil {
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (manifest.Store, error) {
	if cfg.Backend == config.StoreSQLite {
		s, err := manifest.OpenSQLite(ctx, cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := manifest.NewFileStore(cfg.Dir, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// newServer builds the HTTP API over the app's machine.
func (a *app) newServer() (*vibehttp.Server, error) {
	return vibehttp.NewServer(a.machine, a.logger,
		&vibehttp.Config{Host: a.cfg.Server.Host, Port: a.cfg.Server.Port},
		vibehttp.NewHTTPMetrics(a.logger.Underlying()))
}

// Close releases the store and flushes telemetry and logs.
func (a *app) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	if err := a.telemetry.Shutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
