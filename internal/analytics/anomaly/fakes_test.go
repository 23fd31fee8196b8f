package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeData serves samples from memory.
type fakeData struct {
	mu      sync.Mutex
	samples map[string][]models.Sample
	errs    map[string]error
}

func newFakeData() *fakeData {
	return &fakeData{samples: map[string][]models.Sample{}, errs: map[string]error{}}
}

func (f *fakeData) GetSamples(ctx context.Context, metric string, scope models.EntityScope, window int) ([]models.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[metric]; err != nil {
		return nil, err
	}
	s := f.samples[targetKey(metric, scope)]
	if window > 0 && len(s) > window {
		s = s[len(s)-window:]
	}
	out := make([]models.Sample, len(s))
	copy(out, s)
	return out, nil
}

func (f *fakeData) RecordSample(ctx context.Context, metric string, scope models.EntityScope, sample models.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := targetKey(metric, scope)
	f.samples[key] = append(f.samples[key], sample)
	return nil
}

// load stores values one minute apart, the last at testNow.
func (f *fakeData) load(metric string, scope models.EntityScope, values []float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := targetKey(metric, scope)
	start := testNow.Add(-time.Duration(len(values)-1) * time.Minute)
	s := make([]models.Sample, len(values))
	for i, v := range values {
		s[i] = models.Sample{Timestamp: start.Add(time.Duration(i) * time.Minute), Value: v}
	}
	f.samples[key] = s
}

// fakeStore keeps alerts and models in memory. failAlerts makes SaveAlert
// fail.
type fakeStore struct {
	mu         sync.Mutex
	alerts     map[string]*models.AnomalyAlert
	models     map[string]*models.DetectionModel
	failAlerts bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{alerts: map[string]*models.AnomalyAlert{}, models: map[string]*models.DetectionModel{}}
}

func (s *fakeStore) SaveAlert(ctx context.Context, a *models.AnomalyAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAlerts {
		return errors.New("disk full")
	}
	cp := *a
	s.alerts[a.ID] = &cp
	return nil
}

func (s *fakeStore) GetAlert(ctx context.Context, id string) (*models.AnomalyAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.AnomalyAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.AnomalyAlert
	for _, a := range s.alerts {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) SaveWorkflow(ctx context.Context, wf *models.Workflow, expectedVersion int64) error {
	return nil
}
func (s *fakeStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	return nil, models.ErrWorkflowNotFound
}
func (s *fakeStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) { return nil, nil }
func (s *fakeStore) AppendExecution(ctx context.Context, r *models.WorkflowExecutionResult) error {
	return nil
}
func (s *fakeStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecutionResult, error) {
	return nil, nil
}
func (s *fakeStore) SaveApproval(ctx context.Context, a *models.Approval) error { return nil }
func (s *fakeStore) ListApprovals(ctx context.Context, status models.ApprovalStatus) ([]*models.Approval, error) {
	return nil, nil
}

func (s *fakeStore) SaveDetectionModel(ctx context.Context, m *models.DetectionModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.models[m.ID] = &cp
	return nil
}

func (s *fakeStore) ListDetectionModels(ctx context.Context) ([]*models.DetectionModel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DetectionModel
	for _, m := range s.models {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) model(id string) *models.DetectionModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.models[id]
}
