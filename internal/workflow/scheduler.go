package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mplewis/vibe-agency-sub002/internal/breaker"
	"github.com/mplewis/vibe-agency-sub002/internal/executor"
	"github.com/mplewis/vibe-agency-sub002/internal/quota"
)

const defaultEstimatedUnits = 1000

// StepStatus is the outcome of one node execution attempt.
type StepStatus string

const (
	StepSucceeded StepStatus = "success"
	StepFailed    StepStatus = "failure"
	// StepRejected means quota or the circuit breaker refused the call.
	StepRejected StepStatus = "rejected"
)

// StepRecord is one entry of the execution history.
type StepRecord struct {
	ExecutionID string        `json:"execution_id"`
	WorkflowID  string        `json:"workflow_id"`
	NodeID      string        `json:"node_id"`
	Action      string        `json:"action"`
	Executor    string        `json:"executor,omitempty"`
	Attempt     int           `json:"attempt"`
	Status      StepStatus    `json:"status"`
	Output      string        `json:"output,omitempty"`
	Error       string        `json:"error,omitempty"`
	CostUSD     float64       `json:"cost_usd"`
	Units       int           `json:"units"`
	Duration    time.Duration `json:"duration"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// ExecutionStatus is the final status of a workflow run.
type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "success"
	ExecutionFailed    ExecutionStatus = "failed"
	// ExecutionIncomplete means no node failed but no exit point was reached.
	ExecutionIncomplete ExecutionStatus = "incomplete"
)

// Execution is the result of running a workflow.
type Execution struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Status     ExecutionStatus `json:"status"`
	// Order lists the nodes that ran, in the order they ran.
	Order   []string     `json:"order"`
	Skipped []string     `json:"skipped,omitempty"`
	Steps   []StepRecord `json:"steps"`
	CostUSD float64      `json:"cost_usd"`
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithGovernor routes every step through a quota pre-flight.
func WithGovernor(g *quota.Governor) SchedulerOption {
	return func(s *Scheduler) {
		s.governor = g
	}
}

// WithBreaker wraps every executor call in a circuit breaker.
func WithBreaker(b *breaker.Breaker) SchedulerOption {
	return func(s *Scheduler) {
		s.breaker = b
	}
}

// WithEstimatedUnits sets the unit estimate used for quota pre-flight.
func WithEstimatedUnits(units int) SchedulerOption {
	return func(s *Scheduler) {
		if units > 0 {
			s.estimatedUnits = units
		}
	}
}

// WithSchedulerClock overrides the time source for step timestamps.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler plans graphs and runs their nodes on executors.
type Scheduler struct {
	executors      []executor.Executor
	governor       *quota.Governor
	breaker        *breaker.Breaker
	estimatedUnits int
	logger         *zap.Logger
	tracer         trace.Tracer
	now            func() time.Time

	mu      sync.Mutex
	history []StepRecord
}

// NewScheduler creates a scheduler over the given executors.
func NewScheduler(executors []executor.Executor, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		executors:      append([]executor.Executor(nil), executors...),
		estimatedUnits: defaultEstimatedUnits,
		logger:         logger,
		tracer:         otel.Tracer(instrumentationName),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks graph structure and then that every node with required
// skills has an executor that provides them.
func (s *Scheduler) Validate(g *Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	for _, n := range g.nodes {
		if len(n.RequiredSkills) == 0 {
			continue
		}
		if _, err := executor.Select(s.executors, n.RequiredSkills); err != nil {
			return unsatisfiedSkills(n.ID, n.RequiredSkills)
		}
	}
	return nil
}

// DryRun returns the full execution plan with the executor each node would
// run on. It invokes no executor and has no side effects.
func (s *Scheduler) DryRun(g *Graph) *ExecutionPlan {
	p := g.Plan()
	if !p.IsValid {
		return p
	}
	if err := s.Validate(g); err != nil {
		var verr *ValidationError
		errors.As(err, &verr)
		return &ExecutionPlan{
			WorkflowID:       p.WorkflowID,
			ExecutionOrder:   []string{},
			Dependencies:     map[string][]string{},
			Errors:           []string{verr.Message},
			EstimatedCostUSD: p.EstimatedCostUSD,
		}
	}
	for i := range p.Nodes {
		if e, err := executor.Select(s.executors, p.Nodes[i].RequiredSkills); err == nil {
			p.Nodes[i].Executor = executor.NameOf(e)
		}
	}
	return p
}

// ExecuteStep runs a single node: quota pre-flight, breaker-wrapped executor
// call with the node timeout, usage accounting, history append.
//
// Quota and breaker rejections are returned as-is (*quota.ExceededError,
// *breaker.OpenError, *breaker.HalfOpenProbeRejectedError). A failed action
// or an executor error is returned as *StepError.
func (s *Scheduler) ExecuteStep(ctx context.Context, g *Graph, nodeID string) (StepRecord, error) {
	return s.executeStep(ctx, g, nodeID, uuid.NewString(), 1)
}

func (s *Scheduler) executeStep(ctx context.Context, g *Graph, nodeID, executionID string, attempt int) (rec StepRecord, err error) {
	node, ok := g.Node(nodeID)
	if !ok {
		return StepRecord{}, invalidDefinition("workflow %s has no node %s", g.id, nodeID)
	}

	ctx, span := s.tracer.Start(ctx, "workflow.ExecuteStep", trace.WithAttributes(
		attribute.String("workflow.id", g.id),
		attribute.String("workflow.node", nodeID),
		attribute.String("workflow.action", node.Action),
		attribute.String("execution.id", executionID),
		attribute.Int("workflow.attempt", attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rec = StepRecord{
		ExecutionID: executionID,
		WorkflowID:  g.id,
		NodeID:      nodeID,
		Action:      node.Action,
		Attempt:     attempt,
		StartedAt:   s.now(),
	}
	log := s.logger.With(
		zap.String("workflow.id", g.id),
		zap.String("execution.id", executionID),
		zap.String("node", nodeID),
		zap.Int("attempt", attempt))

	exec, err := executor.Select(s.executors, node.RequiredSkills)
	if err != nil {
		return rec, unsatisfiedSkills(node.ID, node.RequiredSkills)
	}
	rec.Executor = executor.NameOf(exec)

	var reservation *quota.Reservation
	if s.governor != nil {
		reservation, err = s.governor.Reserve(s.estimatedUnits, node.Action)
		if err != nil {
			s.finish(&rec, StepRejected, err.Error())
			log.Warn("step rejected by quota", zap.Error(err))
			return rec, err
		}
	}

	var res executor.Result
	call := func(ctx context.Context) error {
		var callErr error
		res, callErr = exec.ExecuteAction(ctx, node.Action, node.Timeout())
		return callErr
	}
	if s.breaker != nil {
		err = s.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}

	if err != nil && breaker.IsRejection(err) {
		if reservation != nil {
			reservation.Cancel()
		}
		s.finish(&rec, StepRejected, err.Error())
		log.Warn("step rejected by circuit breaker", zap.Error(err))
		return rec, err
	}

	units := res.Units
	if units <= 0 {
		units = s.estimatedUnits
	}
	if reservation != nil {
		reservation.Commit(units, res.CostUSD)
	}
	rec.Output = res.Output
	rec.CostUSD = res.CostUSD
	rec.Units = units

	if err != nil {
		s.finish(&rec, StepFailed, err.Error())
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return rec, err
		}
		log.Warn("executor call failed", zap.Error(err))
		return rec, &StepError{NodeID: nodeID, Action: node.Action, Message: err.Error(), Err: err}
	}
	if !res.OK() {
		msg := res.Error
		if msg == "" {
			msg = "action reported failure"
		}
		s.finish(&rec, StepFailed, msg)
		log.Info("step failed", zap.String("error", msg))
		return rec, &StepError{NodeID: nodeID, Action: node.Action, Message: msg}
	}

	s.finish(&rec, StepSucceeded, "")
	log.Debug("step succeeded", zap.Duration("duration", rec.Duration), zap.Float64("cost_usd", rec.CostUSD))
	return rec, nil
}

// finish stamps the record and appends it to the history.
func (s *Scheduler) finish(rec *StepRecord, status StepStatus, errMsg string) {
	rec.Status = status
	rec.Error = errMsg
	rec.FinishedAt = s.now()
	rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)

	stepsTotal.WithLabelValues(rec.WorkflowID, string(status)).Inc()
	stepDuration.WithLabelValues(rec.WorkflowID).Observe(rec.Duration.Seconds())

	s.mu.Lock()
	s.history = append(s.history, *rec)
	s.mu.Unlock()
}

// History returns every recorded step, oldest first.
func (s *Scheduler) History() []StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StepRecord(nil), s.history...)
}

// Execute runs the workflow from its entry point.
//
// Nodes are visited in plan order. A node other than the entry point runs
// when at least one incoming edge is satisfied by a node that already ran:
// a success edge needs the source to have succeeded, an always edge only
// needs it to have finished. Failed actions are retried up to the graph's
// max retries. Validation errors and quota, breaker or cancellation errors
// abort the run and are returned together with the partial Execution.
func (s *Scheduler) Execute(ctx context.Context, g *Graph) (*Execution, error) {
	ex := &Execution{
		ID:         uuid.NewString(),
		WorkflowID: g.id,
		Order:      []string{},
		Steps:      []StepRecord{},
	}
	if err := s.Validate(g); err != nil {
		ex.Status = ExecutionFailed
		return ex, err
	}

	ctx, span := s.tracer.Start(ctx, "workflow.Execute", trace.WithAttributes(
		attribute.String("workflow.id", g.id),
		attribute.String("execution.id", ex.ID),
	))
	defer span.End()

	log := s.logger.With(zap.String("workflow.id", g.id), zap.String("execution.id", ex.ID))
	log.Info("workflow execution started", zap.Strings("order", g.order))

	outcome := make(map[string]StepStatus, len(g.nodes))
	failed := false
	for _, id := range g.order {
		if !s.eligible(g, id, outcome) {
			ex.Skipped = append(ex.Skipped, id)
			continue
		}

		recs, err := s.runWithRetries(ctx, g, id, ex.ID)
		ex.Steps = append(ex.Steps, recs...)
		for _, r := range recs {
			ex.CostUSD += r.CostUSD
		}
		ex.Order = append(ex.Order, id)

		if err != nil {
			if !errors.Is(err, ErrStepFailed) {
				ex.Status = ExecutionFailed
				executionsTotal.WithLabelValues(g.id, string(ex.Status)).Inc()
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				log.Warn("workflow execution aborted", zap.String("node", id), zap.Error(err))
				return ex, err
			}
			outcome[id] = StepFailed
			failed = true
			continue
		}
		outcome[id] = StepSucceeded
	}

	switch {
	case failed:
		ex.Status = ExecutionFailed
	case s.reachedExit(g, outcome):
		ex.Status = ExecutionSucceeded
	default:
		ex.Status = ExecutionIncomplete
	}
	executionsTotal.WithLabelValues(g.id, string(ex.Status)).Inc()
	span.SetAttributes(attribute.String("workflow.status", string(ex.Status)))
	log.Info("workflow execution finished",
		zap.String("status", string(ex.Status)),
		zap.Strings("order", ex.Order),
		zap.Float64("cost_usd", ex.CostUSD))
	return ex, nil
}

func (s *Scheduler) eligible(g *Graph, id string, outcome map[string]StepStatus) bool {
	if id == g.entry {
		return true
	}
	for _, e := range g.incoming(id) {
		st, ran := outcome[e.From]
		if !ran {
			continue
		}
		if e.Condition == ConditionAlways || st == StepSucceeded {
			return true
		}
	}
	return false
}

func (s *Scheduler) reachedExit(g *Graph, outcome map[string]StepStatus) bool {
	for id, st := range outcome {
		if st == StepSucceeded && g.isExit(id) {
			return true
		}
	}
	return false
}

// runWithRetries retries step failures only. Rejections and cancellation
// return immediately.
func (s *Scheduler) runWithRetries(ctx context.Context, g *Graph, id, executionID string) ([]StepRecord, error) {
	var recs []StepRecord
	var err error
	for attempt := 1; attempt <= g.maxRetries+1; attempt++ {
		var rec StepRecord
		rec, err = s.executeStep(ctx, g, id, executionID, attempt)
		recs = append(recs, rec)
		if err == nil || !errors.Is(err, ErrStepFailed) {
			return recs, err
		}
		if ctx.Err() != nil {
			return recs, ctx.Err()
		}
	}
	return recs, err
}
