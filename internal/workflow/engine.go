// Package workflow runs operator-defined optimisation workflows. The Engine
// validates and stores definitions, executes them on manual, threshold,
// event or cron triggers, gates proposed actions behind approvals and keeps
// rolling performance statistics per workflow.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-optimizer/internal/audit"
	"github.com/kubilitics/kubilitics-optimizer/internal/events"
	"github.com/kubilitics/kubilitics-optimizer/internal/gateway"
	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/telemetry"
)

var tracer = telemetry.Tracer("workflow")

// Config holds engine-wide defaults.
type Config struct {
	// DefaultTimeLimit applies to workflows without constraints.time_limit.
	// Zero means no limit.
	DefaultTimeLimit time.Duration
	// MaxParallel bounds concurrent executions fired by one trigger.
	MaxParallel int
}

// Handlers overrides the built-in handler per workflow type. Nil fields use
// the defaults built from Deps.
type Handlers struct {
	InventoryReordering Handler
	SupplierSelection   Handler
	CostOptimization    Handler
}

// Deps are the engine's collaborators. Store is required.
type Deps struct {
	Store      gateway.WorkflowStore
	Detector   Detector
	Forecaster Forecaster
	Ranker     Ranker
	Handlers   Handlers
	Events     events.Publisher
	Audit      audit.Logger
	Logger     *zap.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Scheduling is the part of Scheduler the engine drives on status changes.
type Scheduling interface {
	Schedule(wf *models.Workflow) error
	Unschedule(workflowID string)
}

// Engine executes workflows.
type Engine struct {
	cfg      Config
	repo     *Repository
	store    gateway.WorkflowStore
	handlers Handlers
	events   events.Publisher
	audit    audit.Logger
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	running   map[string]*sync.Mutex
	approvals map[string]*models.Approval
	scheduler Scheduling
}

// NewEngine creates an engine. Call Restore to load persisted state.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("workflow store is required")
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}

	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		handlers:  deps.Handlers,
		events:    deps.Events,
		audit:     deps.Audit,
		logger:    logging.OrNop(deps.Logger).Named("workflow"),
		now:       deps.Now,
		running:   make(map[string]*sync.Mutex),
		approvals: make(map[string]*models.Approval),
	}
	if e.audit == nil {
		e.audit = audit.NewNopLogger()
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	e.repo = NewRepository(deps.Store, deps.Logger)
	e.repo.now = e.now

	if e.handlers.InventoryReordering == nil && deps.Forecaster != nil {
		e.handlers.InventoryReordering = &InventoryHandler{Forecaster: deps.Forecaster}
	}
	if e.handlers.SupplierSelection == nil && deps.Ranker != nil {
		e.handlers.SupplierSelection = &SupplierHandler{Ranker: deps.Ranker}
	}
	if e.handlers.CostOptimization == nil && deps.Ranker != nil {
		e.handlers.CostOptimization = &CostHandler{Detector: deps.Detector, Forecaster: deps.Forecaster, Ranker: deps.Ranker}
	}
	return e, nil
}

// AttachScheduler lets Register, Pause and Resume keep s in sync.
func (e *Engine) AttachScheduler(s Scheduling) {
	e.mu.Lock()
	e.scheduler = s
	e.mu.Unlock()
}

func (e *Engine) sched() Scheduling {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler
}

// Restore loads workflows and pending approvals from the store and schedules
// active schedule-triggered workflows.
func (e *Engine) Restore(ctx context.Context) error {
	if err := e.repo.Load(ctx); err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	pending, err := e.store.ListApprovals(ctx, models.ApprovalPending)
	if err != nil {
		return fmt.Errorf("load approvals: %w", err)
	}
	e.mu.Lock()
	for _, a := range pending {
		e.approvals[a.ID] = a
	}
	metrics.PendingApprovals.Set(float64(e.pendingCountLocked()))
	e.mu.Unlock()

	if s := e.sched(); s != nil {
		for _, wf := range e.repo.List() {
			if wf.Status == models.WorkflowActive && wf.Trigger.Kind == models.TriggerSchedule {
				if err := s.Schedule(wf); err != nil {
					e.logger.Warn("failed to schedule restored workflow", zap.String("workflow_id", wf.ID), zap.Error(err))
				}
			}
		}
	}
	e.logger.Info("workflow state restored", zap.Int("workflows", len(e.repo.List())), zap.Int("pending_approvals", len(pending)))
	return nil
}

// Validate checks a definition before registration.
func Validate(wf *models.Workflow) error {
	if !wf.Type.Valid() {
		return fmt.Errorf("%w: %q", models.ErrUnsupportedWorkflowType, wf.Type)
	}

	switch wf.Trigger.Kind {
	case models.TriggerSchedule:
		if _, err := ParseFrequency(wf.Trigger.Frequency); err != nil {
			return err
		}
	case models.TriggerThreshold:
		if wf.Trigger.Metric == "" {
			return &models.ValidationError{Field: "trigger.metric", Message: "required for threshold triggers"}
		}
		if d := wf.Trigger.Direction; d != "" && d != "above" && d != "below" {
			return &models.ValidationError{Field: "trigger.direction", Message: fmt.Sprintf("must be above or below, got %q", d)}
		}
	case models.TriggerEvent:
		if wf.Trigger.EventName == "" {
			return &models.ValidationError{Field: "trigger.event_name", Message: "required for event triggers"}
		}
	case models.TriggerManual:
	default:
		return &models.ValidationError{Field: "trigger.kind", Message: fmt.Sprintf("unknown trigger %q", wf.Trigger.Kind)}
	}

	switch wf.Automation.Level {
	case models.FullyAutomated, models.ApprovalRequired:
	case models.SemiAutomated:
		if wf.Automation.ApprovalThreshold == nil || *wf.Automation.ApprovalThreshold < 0 {
			return &models.ValidationError{Field: "automation.approval_threshold", Message: "semi_automated workflows need a non-negative approval threshold"}
		}
	default:
		return &models.ValidationError{Field: "automation.level", Message: fmt.Sprintf("unknown level %q", wf.Automation.Level)}
	}

	if b := wf.Constraints.BudgetLimit; b != nil && *b < 0 {
		return &models.ValidationError{Field: "constraints.budget_limit", Message: "must not be negative"}
	}
	if tl := wf.Constraints.TimeLimit; tl != nil && tl.Duration <= 0 {
		return &models.ValidationError{Field: "constraints.time_limit", Message: "must be positive"}
	}
	return nil
}

// Register validates and stores a new workflow definition. The engine owns
// status, performance and version; whatever the caller set there is reset.
func (e *Engine) Register(ctx context.Context, def *models.Workflow) (*models.Workflow, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	wf := def.Clone()
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if wf.Name == "" {
		wf.Name = wf.ID
	}
	now := e.now()
	wf.Status = models.WorkflowActive
	wf.Performance = models.Performance{}
	wf.Version = 0
	wf.CreatedAt = now
	wf.UpdatedAt = now

	if err := e.repo.Create(ctx, wf); err != nil {
		return nil, err
	}
	if err := e.audit.LogWorkflowRegistered(ctx, wf); err != nil {
		e.logger.Warn("failed to audit workflow registration", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	if s := e.sched(); s != nil && wf.Trigger.Kind == models.TriggerSchedule {
		if err := s.Schedule(wf); err != nil {
			return nil, err
		}
	}
	e.logger.Info("workflow registered",
		zap.String("workflow_id", wf.ID),
		zap.String("type", string(wf.Type)),
		zap.String("trigger", string(wf.Trigger.Kind)))
	return wf.Clone(), nil
}

// Get returns a workflow by ID.
func (e *Engine) Get(ctx context.Context, id string) (*models.Workflow, error) {
	return e.repo.Get(ctx, id)
}

// List returns all workflows ordered by creation time.
func (e *Engine) List() []*models.Workflow {
	return e.repo.List()
}

// History returns the newest executions of a workflow.
func (e *Engine) History(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecutionResult, error) {
	if _, err := e.repo.Get(ctx, workflowID); err != nil {
		return nil, err
	}
	return e.store.ListExecutions(ctx, workflowID, limit)
}

// Pause stops an active workflow from running.
func (e *Engine) Pause(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := e.transition(ctx, id, models.WorkflowActive, models.WorkflowPaused)
	if err != nil {
		return nil, err
	}
	if s := e.sched(); s != nil {
		s.Unschedule(id)
	}
	return wf, nil
}

// Resume re-activates a paused workflow.
func (e *Engine) Resume(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := e.transition(ctx, id, models.WorkflowPaused, models.WorkflowActive)
	if err != nil {
		return nil, err
	}
	if s := e.sched(); s != nil && wf.Trigger.Kind == models.TriggerSchedule {
		if err := s.Schedule(wf); err != nil {
			return nil, err
		}
	}
	return wf, nil
}

func (e *Engine) transition(ctx context.Context, id string, from, to models.WorkflowStatus) (*models.Workflow, error) {
	wf, err := e.repo.Update(ctx, id, func(w *models.Workflow) error {
		if w.Status != from {
			return fmt.Errorf("%w: workflow %s is %s, not %s", models.ErrInvalidTransition, w.ID, w.Status, from)
		}
		w.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.audit.LogWorkflowStatusChanged(ctx, id, from, to); err != nil {
		e.logger.Warn("failed to audit status change", zap.String("workflow_id", id), zap.Error(err))
	}
	e.logger.Info("workflow status changed", zap.String("workflow_id", id), zap.String("from", string(from)), zap.String("to", string(to)))
	return wf, nil
}

func (e *Engine) execLock(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.running[id]
	if !ok {
		l = &sync.Mutex{}
		e.running[id] = l
	}
	return l
}

// handlerFor dispatches on the workflow type.
func (e *Engine) handlerFor(t models.WorkflowType) (Handler, error) {
	var h Handler
	switch t {
	case models.WorkflowInventoryReordering:
		h = e.handlers.InventoryReordering
	case models.WorkflowSupplierSelection:
		h = e.handlers.SupplierSelection
	case models.WorkflowCostOptimization:
		h = e.handlers.CostOptimization
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedWorkflowType, t)
	}
	if h == nil {
		return nil, fmt.Errorf("%w: no handler configured for %q", models.ErrUnsupportedWorkflowType, t)
	}
	return h, nil
}

// Execute runs a workflow once. A zero scope means the workflow's own scope.
//
// Executions of the same workflow never overlap: a second call while one is
// running fails with models.ErrExecutionInProgress. When the time limit or
// ctx ends the run, the actions recorded so far are returned with status
// partial. A handler error is returned after the performance statistics
// have been updated.
func (e *Engine) Execute(ctx context.Context, workflowID string, scope models.EntityScope) (*models.WorkflowExecutionResult, error) {
	wf, err := e.repo.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != models.WorkflowActive {
		return nil, fmt.Errorf("%w: workflow %s is %s", models.ErrInvalidWorkflow, wf.ID, wf.Status)
	}
	handler, err := e.handlerFor(wf.Type)
	if err != nil {
		return nil, err
	}

	lock := e.execLock(wf.ID)
	if !lock.TryLock() {
		return nil, fmt.Errorf("%w: %s", models.ErrExecutionInProgress, wf.ID)
	}
	defer lock.Unlock()

	if scope.IsZero() {
		scope = wf.Scope
	}

	executionID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "workflow.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("workflow.id", wf.ID),
		attribute.String("workflow.type", string(wf.Type)),
		attribute.String("execution.id", executionID),
	)

	runCtx, cancel := e.runContext(ctx, wf)
	defer cancel()

	rec := newRecorder(wf, executionID, e.now)
	started := e.now()
	herr := handler.Handle(runCtx, wf.Clone(), scope, rec)
	finished := e.now()

	status := models.ExecutionSuccess
	switch {
	case herr != nil && runCtx.Err() != nil && (errors.Is(herr, context.DeadlineExceeded) || errors.Is(herr, context.Canceled)):
		status = models.ExecutionPartial
	case herr != nil:
		status = models.ExecutionFailed
	case rec.hasFailedActions():
		status = models.ExecutionPartial
	}
	result := rec.result(status, started, finished)
	if herr != nil {
		result.Error = herr.Error()
	}

	// Bookkeeping must outlive the time limit and caller cancellation.
	persistCtx := context.WithoutCancel(ctx)
	failed := status == models.ExecutionFailed
	updated, uerr := e.repo.Update(persistCtx, wf.ID, func(w *models.Workflow) error {
		w.Performance.Record(finished.Sub(started), result.Metrics.TotalCostSavings, failed, finished)
		if w.OneShot && status == models.ExecutionSuccess {
			w.Status = models.WorkflowCompleted
		}
		return nil
	})
	if uerr != nil {
		e.logger.Error("failed to update workflow performance", zap.String("workflow_id", wf.ID), zap.Error(uerr))
		updated = wf
	}
	if updated.Status == models.WorkflowCompleted {
		if s := e.sched(); s != nil {
			s.Unschedule(wf.ID)
		}
	}

	e.queueApprovals(persistCtx, rec.pendingApprovals())
	if err := e.store.AppendExecution(persistCtx, result); err != nil {
		metrics.PersistenceErrors.WithLabelValues("append_execution").Inc()
		e.logger.Error("failed to persist execution", zap.String("execution_id", executionID), zap.Error(err))
	}

	metrics.WorkflowExecutionsTotal.WithLabelValues(string(wf.Type), string(status)).Inc()
	metrics.WorkflowExecutionDuration.WithLabelValues(string(wf.Type)).Observe(finished.Sub(started).Seconds())
	span.SetAttributes(
		attribute.String("execution.status", string(status)),
		attribute.Int("execution.actions", len(result.Actions)),
	)

	if failed {
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		if err := e.audit.LogWorkflowFailed(persistCtx, wf.ID, executionID, herr); err != nil {
			e.logger.Warn("failed to audit workflow failure", zap.String("workflow_id", wf.ID), zap.Error(err))
		}
		e.publish(persistCtx, &events.WorkflowExecutionError{WorkflowID: wf.ID, ExecutionID: executionID, Err: herr, At: finished})
		e.logger.Warn("workflow execution failed", zap.String("workflow_id", wf.ID), zap.String("execution_id", executionID), zap.Error(herr))
		return result, herr
	}

	if err := e.audit.LogWorkflowExecuted(persistCtx, result); err != nil {
		e.logger.Warn("failed to audit workflow execution", zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	e.publish(persistCtx, &events.WorkflowCompleted{Workflow: updated, Result: result, At: finished})
	e.logger.Info("workflow executed",
		zap.String("workflow_id", wf.ID),
		zap.String("execution_id", executionID),
		zap.String("status", string(status)),
		zap.Int("actions", len(result.Actions)),
		zap.Float64("savings", result.Metrics.TotalCostSavings))
	return result, nil
}

func (e *Engine) runContext(ctx context.Context, wf *models.Workflow) (context.Context, context.CancelFunc) {
	limit := e.cfg.DefaultTimeLimit
	if wf.Constraints.TimeLimit != nil {
		limit = wf.Constraints.TimeLimit.Duration
	}
	if limit <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, limit)
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if e.events != nil {
		e.events.Publish(ctx, ev)
	}
}

// OnThreshold runs every active threshold workflow on metric whose condition
// value satisfies and whose scope matches. Failures are reported per
// workflow.
func (e *Engine) OnThreshold(ctx context.Context, metric string, scope models.EntityScope, value float64) ([]*models.WorkflowExecutionResult, []models.BatchItemResult) {
	return e.fire(ctx, scope, func(wf *models.Workflow) bool {
		return wf.Trigger.Kind == models.TriggerThreshold &&
			wf.Trigger.Metric == metric &&
			wf.Trigger.Fires(value)
	})
}

// OnEvent runs every active workflow triggered by the named event.
func (e *Engine) OnEvent(ctx context.Context, name string, scope models.EntityScope) ([]*models.WorkflowExecutionResult, []models.BatchItemResult) {
	return e.fire(ctx, scope, func(wf *models.Workflow) bool {
		return wf.Trigger.Kind == models.TriggerEvent && wf.Trigger.EventName == name
	})
}

func (e *Engine) fire(ctx context.Context, scope models.EntityScope, match func(*models.Workflow) bool) ([]*models.WorkflowExecutionResult, []models.BatchItemResult) {
	var targets []*models.Workflow
	for _, wf := range e.repo.List() {
		if wf.Status != models.WorkflowActive || !match(wf) {
			continue
		}
		if !wf.Scope.IsZero() && !scope.IsZero() && wf.Scope != scope {
			continue
		}
		targets = append(targets, wf)
	}

	var (
		mu       sync.Mutex
		results  []*models.WorkflowExecutionResult
		failures []models.BatchItemResult
	)
	var g errgroup.Group
	g.SetLimit(e.cfg.MaxParallel)
	for _, wf := range targets {
		g.Go(func() error {
			res, err := e.Execute(ctx, wf.ID, scope)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				results = append(results, res)
			}
			if err != nil {
				failures = append(failures, models.BatchItemResult{Target: wf.ID, Error: err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].WorkflowID < results[j].WorkflowID })
	sort.Slice(failures, func(i, j int) bool { return failures[i].Target < failures[j].Target })
	return results, failures
}
