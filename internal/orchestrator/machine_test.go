package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/mplewis/vibe-agency-sub002/internal/executor"
	"github.com/mplewis/vibe-agency-sub002/internal/gates"
	"github.com/mplewis/vibe-agency-sub002/internal/manifest"
	"github.com/mplewis/vibe-agency-sub002/internal/quota"
	"github.com/mplewis/vibe-agency-sub002/internal/telemetry"
	"github.com/mplewis/vibe-agency-sub002/internal/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	t        *testing.T
	dir      string
	store    *manifest.FileStore
	fake     *executor.Fake
	registry *workflow.Registry
	recorder *gates.Recorder
	machine  *Machine
}

// actionFor names the single action of the workflow bound to a position.
func actionFor(p Position) string {
	return "run_" + strings.ToLower(strings.ReplaceAll(p.String(), ".", "_"))
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	cost      map[Position]float64
	schedOpts []workflow.SchedulerOption
	maxRepair int
	extra     []Option
}

func withMachineOptions(opts ...Option) harnessOption {
	return func(c *harnessConfig) { c.extra = append(c.extra, opts...) }
}

func withEstimatedCost(p Position, usd float64) harnessOption {
	return func(c *harnessConfig) { c.cost[p] = usd }
}

func withSchedulerOptions(opts ...workflow.SchedulerOption) harnessOption {
	return func(c *harnessConfig) { c.schedOpts = append(c.schedOpts, opts...) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	hc := harnessConfig{cost: map[Position]float64{}}
	for _, o := range opts {
		o(&hc)
	}

	dir := t.TempDir()
	logger := zaptest.NewLogger(t)
	store, err := manifest.NewFileStore(dir, logger)
	require.NoError(t, err)

	registry := workflow.NewRegistry(t.TempDir(), logger)
	bindings := map[string]string{}
	for _, p := range WorkflowPositions() {
		id := strings.ToLower(strings.ReplaceAll(p.String(), ".", "-"))
		g, err := workflow.New(workflow.Spec{
			ID:               id,
			Name:             p.String(),
			EntryPoint:       "work",
			ExitPoints:       []string{"work"},
			EstimatedCostUSD: hc.cost[p],
			Nodes:            []workflow.Node{{ID: "work", Action: actionFor(p)}},
		})
		require.NoError(t, err)
		registry.Register(g)
		bindings[p.String()] = id
	}

	fake := executor.NewFake("agent")
	sched := workflow.NewScheduler([]executor.Executor{fake}, logger, hc.schedOpts...)
	recorder := gates.NewRecorder(logger, gates.WithClock(func() time.Time { return epoch }))

	mopts := append([]Option{
		WithGates(recorder),
		WithClock(func() time.Time { return epoch }),
	}, hc.extra...)
	m, err := New(store, sched, registry, Config{MaxRepairAttempts: hc.maxRepair, Workflows: bindings}, logger, mopts...)
	require.NoError(t, err)

	return &harness{t: t, dir: dir, store: store, fake: fake, registry: registry, recorder: recorder, machine: m}
}

func (h *harness) init(id string, budget float64) {
	h.t.Helper()
	_, err := h.machine.Init(context.Background(), id, budget)
	require.NoError(h.t, err)
}

func (h *harness) advance(id string) *Outcome {
	h.t.Helper()
	out, err := h.machine.Advance(context.Background(), id)
	require.NoError(h.t, err)
	return out
}

// advanceTo advances until the project reaches target.
func (h *harness) advanceTo(id string, target Position) {
	h.t.Helper()
	for i := 0; i < 12; i++ {
		if h.position(id) == target {
			return
		}
		if h.position(id) == posAwaitingQA {
			_, err := h.machine.Approve(context.Background(), id, "qa-lead")
			require.NoError(h.t, err)
		}
		h.advance(id)
	}
	h.t.Fatalf("project %s did not reach %s", id, target)
}

// position reads the persisted position through a fresh store.
func (h *harness) position(id string) Position {
	return positionOf(h.reload(id))
}

func (h *harness) reload(id string) *manifest.Manifest {
	h.t.Helper()
	fresh, err := manifest.NewFileStore(h.dir, nil)
	require.NoError(h.t, err)
	mf, err := fresh.Load(context.Background(), id)
	require.NoError(h.t, err)
	return mf
}

func TestMachine_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init("shop", 0)

	planning := []Position{posBusiness, posFeatureSpec, posArchitecture, posCoding, posTesting, posAwaitingQA}
	for _, want := range planning {
		out := h.advance("shop")
		assert.Equal(t, want.String(), out.To)
		assert.Equal(t, want, h.position("shop"))
	}

	// Deployment needs an approval first.
	_, err := h.machine.Advance(ctx, "shop")
	var missing *ArtifactNotFoundError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, manifest.ArtifactQAApproved, missing.Artifact)
	assert.Equal(t, "DEPLOYMENT", missing.Phase)
	assert.Equal(t, "AWAITING_QA_APPROVAL", missing.ProducedBy)
	assert.ErrorIs(t, err, ErrTransition)
	assert.Equal(t, posAwaitingQA, h.position("shop"))

	mf, err := h.machine.Approve(ctx, "shop", "qa-lead")
	require.NoError(t, err)
	assert.True(t, mf.ArtifactFlag(manifest.ArtifactQAApproved))
	assert.Equal(t, posAwaitingQA, h.position("shop"))

	assert.Equal(t, "DEPLOYMENT", h.advance("shop").To)
	assert.Equal(t, "PRODUCTION", h.advance("shop").To)

	_, err = h.machine.Advance(ctx, "shop")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Reason, "defect")

	_, err = h.machine.ReportDefect(ctx, "shop", "tickets/42")
	require.NoError(t, err)

	final := h.reload("shop")
	assert.Equal(t, manifest.PhaseMaintenance, final.CurrentPhase)
	assert.Nil(t, final.CurrentSubState)
	for _, name := range []string{
		ArtifactResearchBrief, ArtifactLeanCanvasSummary, ArtifactFeatureSpec,
		ArtifactArchitectureSpec, ArtifactCode, ArtifactTestReport, ArtifactDeploymentReceipt,
	} {
		assert.True(t, final.HasArtifact(name), name)
	}
	assert.Equal(t, "ok: run_coding", final.Artifacts[ArtifactCode].String())
	assert.Equal(t, "tickets/42", final.Artifacts[ArtifactDefectReport].String())

	log := final.Transitions()
	require.Len(t, log, 9)
	assert.Equal(t, "PLANNING.RESEARCH", log[0].From)
	assert.Equal(t, "PLANNING.BUSINESS_VALIDATION", log[0].To)
	assert.Equal(t, "MAINTENANCE", log[8].To)

	_, err = h.machine.Advance(ctx, "shop")
	assert.ErrorIs(t, err, ErrTransition)
}

func TestMachine_RepairBound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init("loop", 0)
	h.advanceTo("loop", posTesting)
	h.fake.On(actionFor(posTesting), executor.Fail("tests failing"))

	for attempt := 1; attempt <= 3; attempt++ {
		out := h.advance("loop")
		assert.True(t, out.Repaired)
		assert.Equal(t, "CODING", out.To)

		mf := h.reload("loop")
		assert.Equal(t, manifest.PhaseCoding, mf.CurrentPhase)
		assert.Equal(t, attempt, mf.RepairAttempts())

		h.advance("loop")
		require.Equal(t, posTesting, h.position("loop"))
	}

	_, err := h.machine.Advance(ctx, "loop")
	var exhausted *RepairExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, exhausted.Max)
	assert.Equal(t, manifest.PhaseTesting, exhausted.Phase)
	assert.Contains(t, err.Error(), "human intervention required")

	mf := h.reload("loop")
	assert.Equal(t, manifest.PhaseTesting, mf.CurrentPhase)
	assert.Equal(t, 3, mf.RepairAttempts())
}

func TestMachine_SuccessfulTestingClearsRepairCounter(t *testing.T) {
	h := newHarness(t)
	h.init("flaky", 0)
	h.advanceTo("flaky", posTesting)
	h.fake.On(actionFor(posTesting), executor.Fail("flaky test"), executor.Succeed("report.xml", 0))

	assert.True(t, h.advance("flaky").Repaired)
	assert.Equal(t, 1, h.reload("flaky").RepairAttempts())

	h.advance("flaky") // CODING → TESTING
	out := h.advance("flaky")
	assert.False(t, out.Repaired)
	assert.Equal(t, "AWAITING_QA_APPROVAL", out.To)

	mf := h.reload("flaky")
	assert.Zero(t, mf.RepairAttempts())
	assert.Equal(t, "report.xml", mf.Artifacts[ArtifactTestReport].String())
	assert.False(t, mf.ArtifactFlag(manifest.ArtifactQAApproved))
}

func TestMachine_QARejection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init("qa", 0)
	h.advanceTo("qa", posAwaitingQA)

	_, err := h.machine.Reject(ctx, "qa", "reviewer", "")
	require.ErrorIs(t, err, ErrTransition)
	assert.Equal(t, posAwaitingQA, h.position("qa"))

	mf, err := h.machine.Reject(ctx, "qa", "reviewer", "tests failing")
	require.NoError(t, err)
	assert.Equal(t, manifest.PhaseCoding, mf.CurrentPhase)

	persisted := h.reload("qa")
	assert.Equal(t, manifest.PhaseCoding, persisted.CurrentPhase)
	assert.Equal(t, 1, persisted.RepairAttempts())
	assert.True(t, persisted.HasArtifact(manifest.ArtifactQAApproved))
	assert.False(t, persisted.ArtifactFlag(manifest.ArtifactQAApproved))

	approval, ok := persisted.Approval()
	require.True(t, ok)
	assert.False(t, approval.Approved)
	assert.Equal(t, "reviewer", approval.Approver)
	assert.Equal(t, "tests failing", approval.Reason)

	log := persisted.Transitions()
	last := log[len(log)-1]
	assert.Equal(t, "AWAITING_QA_APPROVAL", last.From)
	assert.Equal(t, "CODING", last.To)
	assert.Equal(t, "reviewer", last.Actor)
	assert.Contains(t, last.Reason, "tests failing")

	_, err = h.machine.Approve(ctx, "qa", "reviewer")
	assert.ErrorIs(t, err, ErrTransition)
}

func TestMachine_RejectionsShareTheRepairBound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init("picky", 0)
	h.advanceTo("picky", posAwaitingQA)

	mf, err := h.machine.Status(ctx, "picky")
	require.NoError(t, err)
	mf.SetRepairAttempts(3)
	require.NoError(t, h.store.Save(ctx, mf))

	_, err = h.machine.Reject(ctx, "picky", "reviewer", "still broken")
	require.ErrorIs(t, err, ErrRepairExhausted)
	assert.Equal(t, posAwaitingQA, h.position("picky"))
}

func TestMachine_TransitionSurvivesRestart(t *testing.T) {
	h := newHarness(t)
	h.init("durable", 0)
	h.advance("durable")

	// A second store over the same directory stands in for a restarted
	// process.
	mf := h.reload("durable")
	assert.Equal(t, "PLANNING.BUSINESS_VALIDATION", mf.Position())
	assert.True(t, mf.HasArtifact(ArtifactResearchBrief))
}

func TestMachine_BlockingGateRecordsResultsAndAborts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init("gated", 0)
	h.advanceTo("gated", posCoding)

	transition := TransitionName(posCoding, posTesting)
	require.NoError(t, h.recorder.SetPolicies(transition, []gates.Policy{
		{Check: "lint", Severity: gates.SeverityWarning, Blocking: false},
		{Check: "code_quality", Severity: gates.SeverityError, Blocking: true},
	}))
	h.recorder.RegisterCheck("lint", gates.AuditCheckFunc(func(context.Context, string, gates.Bundle) (gates.Verdict, error) {
		return gates.Verdict{Status: gates.StatusPass}, nil
	}))
	h.recorder.RegisterCheck("code_quality", gates.AuditCheckFunc(func(_ context.Context, _ string, b gates.Bundle) (gates.Verdict, error) {
		artifacts := b["artifacts"].(map[string]string)
		return gates.Verdict{
			Status:      gates.StatusFail,
			Findings:    4,
			Message:     "complexity too high in " + artifacts[ArtifactCode],
			Remediation: "split large functions",
		}, nil
	}))

	out, err := h.machine.Advance(ctx, "gated")
	var blocked *gates.GateBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.ErrorIs(t, err, ErrTransition)
	assert.Equal(t, "code_quality", blocked.Check)
	assert.Equal(t, 4, blocked.Findings)
	assert.Len(t, out.Gates, 2)

	mf := h.reload("gated")
	assert.Equal(t, manifest.PhaseCoding, mf.CurrentPhase)
	results := mf.QualityGates[transition]
	require.Len(t, results, 2)
	assert.Equal(t, gates.StatusPass, results[0].Status)
	assert.Equal(t, gates.StatusFail, results[1].Status)
	assert.True(t, results[1].Blocking)
	assert.Contains(t, results[1].Message, "ok: run_coding")

	// A passing retry appends to the same audit trail.
	h.recorder.RegisterCheck("code_quality", gates.AuditCheckFunc(func(context.Context, string, gates.Bundle) (gates.Verdict, error) {
		return gates.Verdict{Status: gates.StatusPass}, nil
	}))
	assert.Equal(t, "TESTING", h.advance("gated").To)
	assert.Len(t, h.reload("gated").QualityGates[transition], 4)
}

func TestMachine_AdvisoryGateWarnsButAdvances(t *testing.T) {
	h := newHarness(t)
	h.init("canvas", 0)
	h.advanceTo("canvas", posBusiness)

	transition := TransitionName(posBusiness, posFeatureSpec)
	require.NoError(t, h.recorder.SetPolicies(transition, []gates.Policy{
		{Check: "lean_canvas_readiness", Severity: gates.SeverityWarning, Blocking: false},
	}))
	h.recorder.RegisterCheck("lean_canvas_readiness", gates.AuditCheckFunc(func(context.Context, string, gates.Bundle) (gates.Verdict, error) {
		return gates.Verdict{Status: gates.StatusFail, Message: "not ready"}, nil
	}))

	out := h.advance("canvas")
	assert.Equal(t, "PLANNING.FEATURE_SPECIFICATION", out.To)
	mf := h.reload("canvas")
	require.Len(t, mf.QualityGates[transition], 1)
	assert.Equal(t, "not ready", mf.QualityGates[transition][0].Message)
}

func TestMachine_FailedWorkLeavesPhaseUnchanged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init("broken", 0)
	h.advanceTo("broken", posCoding)
	h.fake.On(actionFor(posCoding), executor.Fail("compile error"))

	out, err := h.machine.Advance(ctx, "broken")
	require.ErrorIs(t, err, ErrTransition)
	assert.ErrorIs(t, err, workflow.ErrStepFailed)
	assert.Contains(t, err.Error(), "compile error")
	require.NotNil(t, out.Execution)
	assert.Equal(t, workflow.ExecutionFailed, out.Execution.Status)

	mf := h.reload("broken")
	assert.Equal(t, manifest.PhaseCoding, mf.CurrentPhase)
	assert.Zero(t, mf.RepairAttempts())
}

func TestMachine_MissingArtifactNamesProducer(t *testing.T) {
	h := newHarness(t)
	h.init("empty", 0)
	h.advanceTo("empty", posCoding)
	h.fake.On(actionFor(posCoding), executor.Succeed("", 0))

	_, err := h.machine.Advance(context.Background(), "empty")
	var missing *ArtifactNotFoundError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, ArtifactCode, missing.Artifact)
	assert.Equal(t, "TESTING", missing.Phase)
	assert.Equal(t, "CODING", missing.ProducedBy)
	assert.Equal(t, posCoding, h.position("empty"))
}

func TestMachine_QuotaRejectionIsReturnedAsIs(t *testing.T) {
	gov := quota.NewGovernor(quota.Limits{RequestsPerMinute: 1}, nil,
		quota.WithClock(func() time.Time { return epoch }))
	h := newHarness(t, withSchedulerOptions(workflow.WithGovernor(gov)))
	h.init("metered", 0)
	h.advance("metered")

	_, err := h.machine.Advance(context.Background(), "metered")
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, quota.LimitRPM, exceeded.Limit)
	assert.NotErrorIs(t, err, ErrTransition)
	assert.Equal(t, posBusiness, h.position("metered"))
}

func TestMachine_BudgetCheckedBeforeExecution(t *testing.T) {
	h := newHarness(t, withEstimatedCost(posResearch, 5))
	h.init("frugal", 2)

	_, err := h.machine.Advance(context.Background(), "frugal")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Reason, "would exceed budget")
	assert.Empty(t, h.fake.Calls())
	assert.Equal(t, posResearch, h.position("frugal"))
}

func TestMachine_SpendIsAccumulated(t *testing.T) {
	h := newHarness(t)
	h.init("spender", 10)
	h.fake.On(actionFor(posResearch), executor.Succeed("brief.md", 1.25))
	h.fake.On(actionFor(posBusiness), executor.Succeed("canvas.md", 0.5))

	h.advance("spender")
	h.advance("spender")
	mf := h.reload("spender")
	assert.InDelta(t, 1.75, mf.Budget.CurrentCostUSD, 1e-9)
	assert.Equal(t, "brief.md", mf.Artifacts[ArtifactResearchBrief].String())
}

func TestMachine_FailedRunsStillSpendBudget(t *testing.T) {
	h := newHarness(t, withEstimatedCost(posCoding, 3))
	ctx := context.Background()
	h.init("runaway", 10)
	h.advanceTo("runaway", posCoding)
	h.fake.On(actionFor(posCoding), executor.Outcome{Result: executor.Result{
		Status:  executor.StatusFailure,
		Error:   "compile error",
		CostUSD: 3,
	}})

	for i := 0; i < 3; i++ {
		_, err := h.machine.Advance(ctx, "runaway")
		require.ErrorIs(t, err, workflow.ErrStepFailed)
	}
	mf := h.reload("runaway")
	assert.InDelta(t, 9, mf.Budget.CurrentCostUSD, 1e-9)
	assert.Equal(t, manifest.PhaseCoding, mf.CurrentPhase)

	// The fourth run is refused before the executor is called.
	_, err := h.machine.Advance(ctx, "runaway")
	var terr *TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Contains(t, terr.Reason, "would exceed budget")

	calls := 0
	for _, a := range h.fake.Actions() {
		if a == actionFor(posCoding) {
			calls++
		}
	}
	assert.Equal(t, 3, calls)
	assert.InDelta(t, 9, h.reload("runaway").Budget.CurrentCostUSD, 1e-9)
}

func TestMachine_GateBlockedRunStillSpendsBudget(t *testing.T) {
	h := newHarness(t)
	h.init("blocked", 10)
	h.advanceTo("blocked", posCoding)
	h.fake.On(actionFor(posCoding), executor.Succeed("main.go", 2))

	transition := TransitionName(posCoding, posTesting)
	require.NoError(t, h.recorder.SetPolicies(transition, []gates.Policy{
		{Check: "code_quality", Severity: gates.SeverityError, Blocking: true},
	}))
	h.recorder.RegisterCheck("code_quality", gates.AuditCheckFunc(func(context.Context, string, gates.Bundle) (gates.Verdict, error) {
		return gates.Verdict{Status: gates.StatusFail, Message: "too complex"}, nil
	}))

	_, err := h.machine.Advance(context.Background(), "blocked")
	var blocked *gates.GateBlockedError
	require.ErrorAs(t, err, &blocked)

	mf := h.reload("blocked")
	assert.Equal(t, manifest.PhaseCoding, mf.CurrentPhase)
	assert.InDelta(t, 2, mf.Budget.CurrentCostUSD, 1e-9)
	assert.Len(t, mf.QualityGates[transition], 1)
	assert.False(t, mf.HasArtifact(ArtifactCode))
}

func TestMachine_RepairExhaustionStillSpendsBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init("flaky", 0)
	h.advanceTo("flaky", posTesting)
	h.fake.On(actionFor(posTesting), executor.Outcome{Result: executor.Result{
		Status:  executor.StatusFailure,
		Error:   "3 tests failed",
		CostUSD: 0.5,
	}})

	var exhausted *RepairExhaustedError
	spent := 0.0
	for i := 0; i < 10 && exhausted == nil; i++ {
		if h.position("flaky") == posCoding {
			h.advance("flaky")
		}
		_, err := h.machine.Advance(ctx, "flaky")
		spent += 0.5
		if err != nil {
			require.ErrorAs(t, err, &exhausted)
		}
	}
	require.NotNil(t, exhausted)
	assert.InDelta(t, spent, h.reload("flaky").Budget.CurrentCostUSD, 1e-9)
}

func TestMachine_LocksAreReleased(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init("one", 0)
	h.init("two", 0)
	h.advance("one")
	_, err := h.machine.Advance(ctx, "missing")
	require.Error(t, err)
	_, err = h.machine.Archive(ctx, "two")
	require.NoError(t, err)

	h.machine.mu.Lock()
	defer h.machine.mu.Unlock()
	assert.Empty(t, h.machine.locks)
}

func TestMachine_SkipResearch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init("hurry", 0)

	_, err := h.machine.SkipResearch(ctx, "hurry", false)
	require.ErrorIs(t, err, ErrTransition)
	assert.Contains(t, err.Error(), "explicit confirmation")
	assert.Equal(t, posResearch, h.position("hurry"))

	_, err = h.machine.SkipResearch(ctx, "hurry", true)
	require.NoError(t, err)
	mf := h.reload("hurry")
	assert.Equal(t, "PLANNING.BUSINESS_VALIDATION", mf.Position())
	assert.False(t, mf.HasArtifact(ArtifactResearchBrief))
	assert.Empty(t, h.fake.Calls())

	_, err = h.machine.SkipResearch(ctx, "hurry", true)
	assert.ErrorIs(t, err, ErrTransition)
}

func TestMachine_ArchivedProjectsCannotMove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init("old", 0)

	_, err := h.machine.Archive(ctx, "old")
	require.NoError(t, err)
	_, err = h.machine.Archive(ctx, "old")
	require.NoError(t, err)

	_, err = h.machine.Advance(ctx, "old")
	assert.ErrorIs(t, err, ErrArchived)
	_, err = h.machine.SkipResearch(ctx, "old", true)
	assert.ErrorIs(t, err, ErrArchived)
	assert.True(t, h.reload("old").Archived)
}

func TestMachine_InitRejectsDuplicatesAndBadIDs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init("dup", 0)

	_, err := h.machine.Init(ctx, "dup", 0)
	assert.ErrorIs(t, err, manifest.ErrExists)
	_, err = h.machine.Init(ctx, "../evil", 0)
	assert.ErrorIs(t, err, manifest.ErrInvalidProjectID)
	_, err = h.machine.Advance(ctx, "ghost")
	assert.ErrorIs(t, err, manifest.ErrNotFound)
}

func TestMachine_Plan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.init("planned", 0)

	plan, err := h.machine.Plan(ctx, "planned")
	require.NoError(t, err)
	assert.True(t, plan.IsValid)
	assert.Equal(t, []string{"work"}, plan.ExecutionOrder)
	assert.Empty(t, h.fake.Calls())

	h.advanceTo("planned", posAwaitingQA)
	_, err = h.machine.Plan(ctx, "planned")
	assert.ErrorIs(t, err, ErrTransition)
}

func TestMachine_AdvanceAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ids := []string{"p4", "p2", "p0", "p3", "p1"}
	for _, id := range ids {
		h.init(id, 0)
	}
	_, err := h.machine.Archive(ctx, "p3")
	require.NoError(t, err)

	results, err := h.machine.AdvanceAll(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("p%d", []int{0, 1, 2, 4}[i]), r.ProjectID)
		require.NoError(t, r.Err)
		assert.Equal(t, "PLANNING.BUSINESS_VALIDATION", r.Outcome.To)
	}
	assert.Equal(t, posResearch, h.position("p3"))
}

func TestMachine_AdvanceAllIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	h.init("good", 0)
	h.init("bad", 0)
	_, err := h.machine.SkipResearch(context.Background(), "bad", true)
	require.NoError(t, err)
	h.fake.On(actionFor(posBusiness), executor.Fail("invalid canvas"))

	results, err := h.machine.AdvanceAll(context.Background(), []string{"good", "bad"}, 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "bad", results[0].ProjectID)
	assert.True(t, errors.Is(results[0].Err, workflow.ErrStepFailed))
	assert.Equal(t, "good", results[1].ProjectID)
	assert.NoError(t, results[1].Err)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	store, err := manifest.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	sched := workflow.NewScheduler(nil, nil)
	reg := workflow.NewRegistry(t.TempDir(), nil)

	_, err = New(store, sched, reg, Config{MaxRepairAttempts: -1}, nil)
	assert.Error(t, err)

	_, err = New(store, sched, reg, Config{Workflows: map[string]string{"AWAITING_QA_APPROVAL": "qa"}}, nil)
	assert.ErrorContains(t, err, "AWAITING_QA_APPROVAL")

	_, err = New(store, sched, reg, Config{Workflows: map[string]string{"PLANNING.DREAMING": "x"}}, nil)
	assert.Error(t, err)

	m, err := New(store, sched, reg, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRepairAttempts, m.cfg.MaxRepairAttempts)
}

func TestMachine_UnboundPositionFails(t *testing.T) {
	store, err := manifest.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	m, err := New(store, workflow.NewScheduler(nil, nil), workflow.NewRegistry(t.TempDir(), nil), Config{}, nil)
	require.NoError(t, err)
	_, err = m.Init(context.Background(), "lonely", 0)
	require.NoError(t, err)

	_, err = m.Advance(context.Background(), "lonely")
	require.ErrorIs(t, err, ErrTransition)
	assert.Contains(t, err.Error(), "no workflow bound to PLANNING.RESEARCH")
}

func TestMachine_AdvanceIsTraced(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	h := newHarness(t, withMachineOptions(WithTracer(tel.Tracer("vibe/orchestrator"))))
	h.init("traced", 0)
	h.advance("traced")

	tel.AssertSpan(t, "orchestrator.Advance", map[string]any{
		"project.id": "traced",
		"position":   "PLANNING.RESEARCH",
		"to":         "PLANNING.BUSINESS_VALIDATION",
		"repaired":   false,
	})
}
