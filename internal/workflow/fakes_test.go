package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/forecast"
	"github.com/kubilitics/kubilitics-optimizer/internal/events"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory gateway.WorkflowStore with the same version
// semantics as the SQL stores.
type memStore struct {
	mu         sync.Mutex
	workflows  map[string]*models.Workflow
	executions []*models.WorkflowExecutionResult
	approvals  map[string]*models.Approval

	failSaves      bool
	failExecutions bool
	saveCalls      int
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string]*models.Workflow),
		approvals: make(map[string]*models.Approval),
	}
}

func (s *memStore) SaveWorkflow(ctx context.Context, wf *models.Workflow, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.failSaves {
		return errStoreDown
	}
	cur, ok := s.workflows[wf.ID]
	switch {
	case expectedVersion == 0 && ok,
		expectedVersion != 0 && (!ok || cur.Version != expectedVersion):
		return fmt.Errorf("%w: %s", models.ErrVersionConflict, wf.ID)
	}
	wf.Version = expectedVersion + 1
	s.workflows[wf.ID] = wf.Clone()
	return nil
}

func (s *memStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	return wf.Clone(), nil
}

func (s *memStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Workflow
	for _, wf := range s.workflows {
		out = append(out, wf.Clone())
	}
	return out, nil
}

func (s *memStore) AppendExecution(ctx context.Context, r *models.WorkflowExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failExecutions {
		return errStoreDown
	}
	s.executions = append(s.executions, r)
	return nil
}

func (s *memStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WorkflowExecutionResult
	for i := len(s.executions) - 1; i >= 0; i-- {
		if s.executions[i].WorkflowID == workflowID {
			out = append(out, s.executions[i])
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SaveApproval(ctx context.Context, a *models.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.approvals[a.ID] = &cp
	return nil
}

func (s *memStore) ListApprovals(ctx context.Context, status models.ApprovalStatus) ([]*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Approval
	for _, a := range s.approvals {
		if status == "" || a.Status == status {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// bumpVersion simulates a write by another process.
func (s *memStore) bumpVersion(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[id].Version++
}

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeForecaster struct {
	// perDay is the predicted daily value keyed by target ID.
	perDay map[string]float64
	calls  []forecast.Target
	mu     sync.Mutex
}

func (f *fakeForecaster) Forecast(ctx context.Context, target forecast.Target, horizon int) (*models.ForecastResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, target)
	f.mu.Unlock()
	v, ok := f.perDay[target.ID()]
	if !ok {
		return nil, &models.InsufficientDataError{Op: "forecast", Need: 14, Got: 0}
	}
	res := &models.ForecastResult{TargetID: target.ID(), HorizonDays: horizon}
	for i := 0; i < horizon; i++ {
		res.Points = append(res.Points, models.ForecastPoint{Predicted: v})
	}
	return res, nil
}

type fakeDetector struct {
	report *anomaly.DetectionReport
	scopes []models.EntityScope
}

func (d *fakeDetector) DetectAll(ctx context.Context, scope models.EntityScope) (*anomaly.DetectionReport, error) {
	d.scopes = append(d.scopes, scope)
	return d.report, nil
}

type harness struct {
	engine *Engine
	store  *memStore
	clock  *clock
	bus    *events.Bus
}

func newHarness(t *testing.T, handlers Handlers) *harness {
	t.Helper()
	h := &harness{store: newMemStore(), clock: newClock(), bus: events.NewBus(50, nil)}
	e, err := NewEngine(Config{}, Deps{
		Store:    h.store,
		Handlers: handlers,
		Events:   h.bus,
		Now:      h.clock.Now,
	})
	require.NoError(t, err)
	h.engine = e
	return h
}

func (h *harness) register(t *testing.T, wf *models.Workflow) *models.Workflow {
	t.Helper()
	got, err := h.engine.Register(context.Background(), wf)
	require.NoError(t, err)
	return got
}

func manualWorkflow(id string, typ models.WorkflowType) *models.Workflow {
	return &models.Workflow{
		ID:         id,
		Name:       id,
		Type:       typ,
		Trigger:    models.Trigger{Kind: models.TriggerManual},
		Automation: models.Automation{Level: models.FullyAutomated},
	}
}

func ptr[T any](v T) *T { return &v }
