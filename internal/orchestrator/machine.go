package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mplewis/vibe-agency-sub002/internal/gates"
	"github.com/mplewis/vibe-agency-sub002/internal/manifest"
	"github.com/mplewis/vibe-agency-sub002/internal/workflow"
)

// DefaultMaxRepairAttempts bounds the repair loop when Config leaves it unset.
const DefaultMaxRepairAttempts = 3

// Scheduler runs and plans workflow graphs. *workflow.Scheduler implements it.
type Scheduler interface {
	Execute(ctx context.Context, g *workflow.Graph) (*workflow.Execution, error)
	DryRun(g *workflow.Graph) *workflow.ExecutionPlan
}

// WorkflowSource resolves workflow ids. *workflow.Registry implements it.
type WorkflowSource interface {
	Get(id string) (*workflow.Graph, error)
}

// GateEvaluator runs the quality gates of a transition. *gates.Recorder
// implements it.
type GateEvaluator interface {
	EvaluateTransition(ctx context.Context, transition string, bundle gates.Bundle, sink gates.Sink) ([]gates.Result, error)
}

// Config binds positions to workflows and bounds the repair loop.
type Config struct {
	// MaxRepairAttempts is the number of times a project may return to
	// CODING before RepairExhaustedError. Zero means DefaultMaxRepairAttempts.
	MaxRepairAttempts int
	// Workflows maps a position ("PLANNING.RESEARCH", "CODING", ...) to a
	// workflow id.
	Workflows map[string]string
	// DefaultBudgetUSD is used by Init when no budget is given. Zero means
	// unlimited.
	DefaultBudgetUSD float64
}

// Outcome describes what one Advance call did.
type Outcome struct {
	ProjectID string              `json:"project_id"`
	From      string              `json:"from"`
	To        string              `json:"to"`
	Repaired  bool                `json:"repaired,omitempty"`
	Execution *workflow.Execution `json:"execution,omitempty"`
	Gates     []gates.Result      `json:"gates,omitempty"`
}

// Option configures a Machine.
type Option func(*Machine)

// WithGates evaluates quality gates on every transition Advance applies.
func WithGates(g GateEvaluator) Option {
	return func(m *Machine) {
		m.gates = g
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// WithTracer overrides the tracer, which defaults to the global provider's.
func WithTracer(t trace.Tracer) Option {
	return func(m *Machine) {
		m.tracer = t
	}
}

// Machine is the phase state machine.
type Machine struct {
	store     manifest.Store
	scheduler Scheduler
	workflows WorkflowSource
	gates     GateEvaluator
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*projectLock
}

// New creates a Machine. Every key of cfg.Workflows must name a position
// that runs a workflow.
func New(store manifest.Store, scheduler Scheduler, workflows WorkflowSource, cfg Config, logger *zap.Logger, opts ...Option) (*Machine, error) {
	if store == nil {
		return nil, errors.New("manifest store required")
	}
	if scheduler == nil {
		return nil, errors.New("scheduler required")
	}
	if workflows == nil {
		return nil, errors.New("workflow source required")
	}
	if cfg.MaxRepairAttempts < 0 {
		return nil, fmt.Errorf("max repair attempts must not be negative, got %d", cfg.MaxRepairAttempts)
	}
	if cfg.MaxRepairAttempts == 0 {
		cfg.MaxRepairAttempts = DefaultMaxRepairAttempts
	}
	for key := range cfg.Workflows {
		p, ok := ParsePosition(key)
		if !ok || stages[p].manual || stages[p].blocked != "" {
			return nil, fmt.Errorf("workflow binding %q: not a position that runs a workflow", key)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Machine{
		store:     store,
		scheduler: scheduler,
		workflows: workflows,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
		locks:     make(map[string]*projectLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// projectLock is reference counted so idle projects leave the map.
type projectLock struct {
	mu   sync.Mutex
	refs int
}

// lock serialises operations on one project. The returned func unlocks and
// drops the entry once no caller holds or waits for it.
func (m *Machine) lock(projectID string) func() {
	m.mu.Lock()
	l, ok := m.locks[projectID]
	if !ok {
		l = &projectLock{}
		m.locks[projectID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, projectID)
		}
		m.mu.Unlock()
	}
}

// Init creates the manifest of a new project at PLANNING.RESEARCH. A
// non-positive budget falls back to Config.DefaultBudgetUSD.
func (m *Machine) Init(ctx context.Context, projectID string, budgetUSD float64) (*manifest.Manifest, error) {
	if err := manifest.ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	defer m.lock(projectID)()

	if budgetUSD <= 0 {
		budgetUSD = m.cfg.DefaultBudgetUSD
	}
	mf := manifest.New(projectID, budgetUSD, m.now())
	if err := m.store.Create(ctx, mf); err != nil {
		return nil, err
	}
	m.logger.Info("project initialized",
		zap.String("project.id", projectID),
		zap.Float64("budget_usd", budgetUSD))
	return mf, nil
}

// Status returns the persisted manifest.
func (m *Machine) Status(ctx context.Context, projectID string) (*manifest.Manifest, error) {
	return m.store.Load(ctx, projectID)
}

// Plan dry-runs the workflow bound to the project's current position.
func (m *Machine) Plan(ctx context.Context, projectID string) (*workflow.ExecutionPlan, error) {
	cur, err := m.store.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	pos := positionOf(cur)
	st := stages[pos]
	if st.manual || st.blocked != "" {
		return nil, &TransitionError{ProjectID: projectID, From: pos.String(), Reason: "no workflow runs at this position"}
	}
	g, err := m.graphFor(pos)
	if err != nil {
		return nil, &TransitionError{ProjectID: projectID, From: pos.String(), To: st.next.String(), Reason: "no workflow available", Err: err}
	}
	return m.scheduler.DryRun(g), nil
}

func (m *Machine) graphFor(pos Position) (*workflow.Graph, error) {
	id, ok := m.cfg.Workflows[pos.String()]
	if !ok {
		return nil, fmt.Errorf("no workflow bound to %s", pos)
	}
	return m.workflows.Get(id)
}

// Advance runs the work of the project's current position and applies the
// resulting transition.
//
// On success the project moves to the next position. A failed TESTING run
// enters the repair loop and returns a nil error with Outcome.Repaired set.
// Other failures return an error and leave the persisted phase unchanged.
// Quota, circuit breaker, validation and cancellation errors are returned
// as the scheduler reported them.
func (m *Machine) Advance(ctx context.Context, projectID string) (out *Outcome, err error) {
	defer m.lock(projectID)()

	ctx, span := m.tracer.Start(ctx, "orchestrator.Advance", trace.WithAttributes(
		attribute.String("project.id", projectID),
	))
	defer span.End()

	start := m.now()
	position := "unknown"
	defer func() {
		advanceDuration.WithLabelValues(position).Observe(m.now().Sub(start).Seconds())
		advancesTotal.WithLabelValues(advanceResult(out, err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if out != nil {
			span.SetAttributes(attribute.String("to", out.To), attribute.Bool("repaired", out.Repaired))
		}
	}()

	cur, err := m.store.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	pos := positionOf(cur)
	position = pos.String()
	span.SetAttributes(attribute.String("position", position))
	log := m.logger.With(zap.String("project.id", projectID), zap.String("position", position))

	out = &Outcome{ProjectID: projectID, From: position}
	if cur.Archived {
		return out, &TransitionError{ProjectID: projectID, From: position, Reason: "project is archived", Err: ErrArchived}
	}
	st, ok := stages[pos]
	if !ok {
		return out, &TransitionError{ProjectID: projectID, From: position, Reason: "unknown position"}
	}
	if st.blocked != "" {
		return out, &TransitionError{ProjectID: projectID, From: position, Reason: st.blocked}
	}

	next, err := cur.Clone()
	if err != nil {
		return out, err
	}

	if !st.manual {
		g, err := m.graphFor(pos)
		if err != nil {
			return out, &TransitionError{ProjectID: projectID, From: position, To: st.next.String(), Reason: "no workflow available", Err: err}
		}
		if cur.Budget.WouldExceed(g.EstimatedCostUSD()) {
			return out, &TransitionError{
				ProjectID: projectID,
				From:      position,
				To:        st.next.String(),
				Reason: fmt.Sprintf("workflow %s estimated at $%.2f would exceed budget ($%.2f of $%.2f spent)",
					g.ID(), g.EstimatedCostUSD(), cur.Budget.CurrentCostUSD, cur.Budget.MaxCostUSD),
			}
		}

		log.Info("running workflow", zap.String("workflow.id", g.ID()))
		ex, err := m.scheduler.Execute(ctx, g)
		out.Execution = ex
		if ex != nil && ex.CostUSD > 0 {
			// Spend is persisted whatever the outcome so a project that keeps
			// failing still runs into its budget.
			if serr := m.recordSpend(ctx, cur, ex.CostUSD); serr != nil {
				return out, errors.Join(err, serr)
			}
			next.Budget.CurrentCostUSD += ex.CostUSD
		}
		if err != nil {
			log.Warn("workflow aborted", zap.String("workflow.id", g.ID()), zap.Error(err))
			return out, err
		}

		if ex.Status != workflow.ExecutionSucceeded {
			cause := fmt.Sprintf("workflow %s %s", g.ID(), ex.Status)
			if st.repair {
				return m.repair(ctx, cur, next, out, cause, "test_failure", "")
			}
			return out, &TransitionError{
				ProjectID: projectID,
				From:      position,
				To:        st.next.String(),
				Reason:    cause,
				Err:       firstStepError(ex),
			}
		}

		if loc := exitOutput(g, ex); loc != "" {
			next.SetArtifact(st.produces, manifest.Location(loc))
		}
		if st.repair && next.RepairAttempts() > 0 {
			log.Info("repair loop cleared", zap.Int("attempts", next.RepairAttempts()))
			next.SetRepairAttempts(0)
		}
	}

	if err := checkEntry(next, st.next); err != nil {
		return out, &TransitionError{ProjectID: projectID, From: position, To: st.next.String(), Reason: "precondition failed", Err: err}
	}

	if m.gates != nil {
		transition := TransitionName(pos, st.next)
		results, err := m.gates.EvaluateTransition(ctx, transition, bundleFor(next, st.next), m.recordGates(cur, next))
		out.Gates = results
		if err != nil {
			return out, &TransitionError{ProjectID: projectID, From: position, To: st.next.String(), Reason: "quality gate failed", Err: err}
		}
	}

	if err := m.commit(ctx, next, st.next, "advance", ""); err != nil {
		return out, err
	}
	out.To = st.next.String()
	return out, nil
}

// repair sends the project back to CODING, or returns RepairExhaustedError
// once the bound is reached. The persisted phase is unchanged in that case.
func (m *Machine) repair(ctx context.Context, cur, next *manifest.Manifest, out *Outcome, cause, trigger, actor string) (*Outcome, error) {
	attempts := cur.RepairAttempts()
	if attempts >= m.cfg.MaxRepairAttempts {
		m.logger.Error("repair attempts exhausted",
			zap.String("project.id", cur.ProjectID),
			zap.String("phase", string(cur.CurrentPhase)),
			zap.Int("attempts", attempts),
			zap.String("cause", cause))
		return out, &RepairExhaustedError{
			ProjectID: cur.ProjectID,
			Phase:     cur.CurrentPhase,
			Attempts:  attempts,
			Max:       m.cfg.MaxRepairAttempts,
		}
	}
	next.SetRepairAttempts(attempts + 1)
	if err := m.commit(ctx, next, posCoding, "repair: "+cause, actor); err != nil {
		return out, err
	}
	repairsTotal.WithLabelValues(trigger).Inc()
	m.logger.Warn("repair loop entered",
		zap.String("project.id", cur.ProjectID),
		zap.Int("attempt", attempts+1),
		zap.Int("max", m.cfg.MaxRepairAttempts),
		zap.String("cause", cause))
	out.To = posCoding.String()
	out.Repaired = true
	return out, nil
}

// commit moves next to target, appends the transition log and saves it.
func (m *Machine) commit(ctx context.Context, next *manifest.Manifest, target Position, reason, actor string) error {
	from := next.Position()
	if target == posAwaitingQA {
		// Approval is per QA round.
		next.SetArtifact(manifest.ArtifactQAApproved, manifest.Flag(false))
	}
	now := m.now()
	next.MoveTo(target.Phase, target.Sub)
	next.UpdatedAt = now
	next.AppendTransition(manifest.TransitionRecord{
		From:   from,
		To:     target.String(),
		At:     now,
		Reason: reason,
		Actor:  actor,
	})
	if err := m.store.Save(ctx, next); err != nil {
		return fmt.Errorf("persisting transition %s → %s: %w", from, target, err)
	}
	transitionsTotal.WithLabelValues(from, target.String()).Inc()
	m.logger.Info("transition committed",
		zap.String("project.id", next.ProjectID),
		zap.String("from", from),
		zap.String("to", target.String()),
		zap.String("reason", reason))
	return nil
}

// recordSpend adds cost to the persisted budget of cur without moving the
// project. cur is updated in place and stays the last persisted version.
func (m *Machine) recordSpend(ctx context.Context, cur *manifest.Manifest, cost float64) error {
	cur.Budget.CurrentCostUSD += cost
	cur.UpdatedAt = m.now()
	if err := m.store.Save(ctx, cur); err != nil {
		return fmt.Errorf("persisting spend of %s: %w", cur.ProjectID, err)
	}
	m.logger.Debug("spend recorded",
		zap.String("project.id", cur.ProjectID),
		zap.Float64("cost_usd", cost),
		zap.Float64("current_cost_usd", cur.Budget.CurrentCostUSD))
	return nil
}

// recordGates returns a sink that saves gate results onto the last persisted
// manifest, so they survive a blocked transition, and mirrors them into next.
func (m *Machine) recordGates(cur, next *manifest.Manifest) gates.Sink {
	return func(ctx context.Context, transition string, results []gates.Result) error {
		audit, err := cur.Clone()
		if err != nil {
			return err
		}
		audit.AppendGateResults(transition, results)
		audit.UpdatedAt = m.now()
		if err := m.store.Save(ctx, audit); err != nil {
			return err
		}
		next.AppendGateResults(transition, results)
		return nil
	}
}

func bundleFor(m *manifest.Manifest, target Position) gates.Bundle {
	artifacts := make(map[string]string, len(m.Artifacts))
	for name, a := range m.Artifacts {
		artifacts[name] = a.String()
	}
	return gates.Bundle{
		"project_id": m.ProjectID,
		"from":       m.Position(),
		"to":         target.String(),
		"artifacts":  artifacts,
		"budget":     m.Budget,
	}
}

// exitOutput returns the output of the last successful exit node.
func exitOutput(g *workflow.Graph, ex *workflow.Execution) string {
	exits := make(map[string]bool)
	for _, id := range g.ExitPoints() {
		exits[id] = true
	}
	for i := len(ex.Steps) - 1; i >= 0; i-- {
		s := ex.Steps[i]
		if exits[s.NodeID] && s.Status == workflow.StepSucceeded {
			return s.Output
		}
	}
	return ""
}

func firstStepError(ex *workflow.Execution) error {
	for _, s := range ex.Steps {
		if s.Status == workflow.StepFailed {
			return &workflow.StepError{NodeID: s.NodeID, Action: s.Action, Message: s.Error}
		}
	}
	return nil
}

func advanceResult(out *Outcome, err error) string {
	var gateErr *gates.GateBlockedError
	switch {
	case err == nil && out != nil && out.Repaired:
		return "repaired"
	case err == nil:
		return "advanced"
	case errors.As(err, &gateErr):
		return "blocked"
	case errors.Is(err, ErrRepairExhausted):
		return "exhausted"
	case errors.Is(err, ErrTransition):
		return "rejected"
	}
	return "error"
}

// SkipResearch moves PLANNING.RESEARCH straight to BUSINESS_VALIDATION. It
// refuses unless confirmed is true.
func (m *Machine) SkipResearch(ctx context.Context, projectID string, confirmed bool) (*manifest.Manifest, error) {
	defer m.lock(projectID)()

	next, err := m.loadAt(ctx, projectID, posResearch)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return nil, &TransitionError{
			ProjectID: projectID,
			From:      posResearch.String(),
			To:        posBusiness.String(),
			Reason:    "skipping research requires explicit confirmation",
		}
	}
	if err := m.commit(ctx, next, posBusiness, "research skipped", ""); err != nil {
		return nil, err
	}
	return next, nil
}

// Approve records a positive QA decision. The project stays in
// AWAITING_QA_APPROVAL until the next Advance.
func (m *Machine) Approve(ctx context.Context, projectID, approver string) (*manifest.Manifest, error) {
	defer m.lock(projectID)()

	next, err := m.loadAt(ctx, projectID, posAwaitingQA)
	if err != nil {
		return nil, err
	}
	if approver == "" {
		return nil, &TransitionError{ProjectID: projectID, From: posAwaitingQA.String(), Reason: "approver is required"}
	}
	now := m.now()
	next.SetApproval(manifest.Approval{Approved: true, Approver: approver, At: now})
	next.UpdatedAt = now
	if err := m.store.Save(ctx, next); err != nil {
		return nil, fmt.Errorf("persisting approval: %w", err)
	}
	m.logger.Info("qa approved", zap.String("project.id", projectID), zap.String("approver", approver))
	return next, nil
}

// Reject records a negative QA decision and sends the project back to
// CODING. The rejection counts against the repair bound.
func (m *Machine) Reject(ctx context.Context, projectID, approver, reason string) (*manifest.Manifest, error) {
	defer m.lock(projectID)()

	cur, err := m.loadAt(ctx, projectID, posAwaitingQA)
	if err != nil {
		return nil, err
	}
	switch {
	case approver == "":
		return nil, &TransitionError{ProjectID: projectID, From: posAwaitingQA.String(), To: posCoding.String(), Reason: "approver is required"}
	case reason == "":
		return nil, &TransitionError{ProjectID: projectID, From: posAwaitingQA.String(), To: posCoding.String(), Reason: "rejection reason is required"}
	}
	next, err := cur.Clone()
	if err != nil {
		return nil, err
	}
	next.SetApproval(manifest.Approval{Approved: false, Approver: approver, Reason: reason, At: m.now()})
	if _, err := m.repair(ctx, cur, next, &Outcome{}, "qa rejected: "+reason, "qa_rejection", approver); err != nil {
		return nil, err
	}
	return next, nil
}

// ReportDefect moves a project in PRODUCTION to MAINTENANCE. report is the
// location of the defect report.
func (m *Machine) ReportDefect(ctx context.Context, projectID, report string) (*manifest.Manifest, error) {
	defer m.lock(projectID)()

	next, err := m.loadAt(ctx, projectID, posProduction)
	if err != nil {
		return nil, err
	}
	if report == "" {
		return nil, &TransitionError{ProjectID: projectID, From: posProduction.String(), To: posMaintenance.String(), Reason: "defect report is required"}
	}
	next.SetArtifact(ArtifactDefectReport, manifest.Location(report))
	if err := m.commit(ctx, next, posMaintenance, "defect reported", ""); err != nil {
		return nil, err
	}
	return next, nil
}

// Archive marks a project archived. Archived projects are kept but can no
// longer transition. Archiving twice is a no-op.
func (m *Machine) Archive(ctx context.Context, projectID string) (*manifest.Manifest, error) {
	defer m.lock(projectID)()

	mf, err := m.store.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if mf.Archived {
		return mf, nil
	}
	mf.Archived = true
	mf.UpdatedAt = m.now()
	if err := m.store.Save(ctx, mf); err != nil {
		return nil, fmt.Errorf("persisting archive flag: %w", err)
	}
	m.logger.Info("project archived", zap.String("project.id", projectID))
	return mf, nil
}

// loadAt loads a manifest that must be active and at want.
func (m *Machine) loadAt(ctx context.Context, projectID string, want Position) (*manifest.Manifest, error) {
	mf, err := m.store.Load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	pos := positionOf(mf)
	if mf.Archived {
		return nil, &TransitionError{ProjectID: projectID, From: pos.String(), Reason: "project is archived", Err: ErrArchived}
	}
	if pos != want {
		return nil, &TransitionError{ProjectID: projectID, From: pos.String(), Reason: fmt.Sprintf("only allowed in %s", want)}
	}
	return mf, nil
}

// ProjectResult is the outcome of advancing one project in AdvanceAll.
type ProjectResult struct {
	ProjectID string
	Outcome   *Outcome
	Err       error
}

// AdvanceAll advances the given projects concurrently, at most limit at a
// time (unbounded when limit <= 0). With no ids it advances every stored
// project that is not archived. A failure in one project does not stop the
// others; results are sorted by project id.
func (m *Machine) AdvanceAll(ctx context.Context, projectIDs []string, limit int) ([]ProjectResult, error) {
	if len(projectIDs) == 0 {
		ids, err := m.activeProjects(ctx)
		if err != nil {
			return nil, err
		}
		projectIDs = ids
	}

	results := make([]ProjectResult, len(projectIDs))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, id := range projectIDs {
		g.Go(func() error {
			out, err := m.Advance(ctx, id)
			results[i] = ProjectResult{ProjectID: id, Outcome: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].ProjectID < results[j].ProjectID })
	return results, nil
}

func (m *Machine) activeProjects(ctx context.Context) ([]string, error) {
	ids, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	var active []string
	for _, id := range ids {
		mf, err := m.store.Load(ctx, id)
		if err != nil {
			m.logger.Warn("skipping unreadable manifest", zap.String("project.id", id), zap.Error(err))
			continue
		}
		if !mf.Archived {
			active = append(active, id)
		}
	}
	return active, nil
}
