package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/decision"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/forecast"
	"github.com/kubilitics/kubilitics-optimizer/internal/db"
	"github.com/kubilitics/kubilitics-optimizer/internal/events"
	"github.com/kubilitics/kubilitics-optimizer/internal/gateway"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/workflow"
)

type testServer struct {
	srv    *Server
	store  gateway.Store
	engine *workflow.Engine
	bus    *events.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := events.NewBus(100, nil)
	coord := anomaly.NewCoordinator(anomaly.DefaultConfig(), anomaly.Deps{Data: store, Store: store, Events: bus})
	fc := forecast.NewForecaster(forecast.Config{Seed: 7}, store, nil)
	ranker := decision.NewRanker(nil)
	engine, err := workflow.NewEngine(workflow.Config{}, workflow.Deps{
		Store:      store,
		Detector:   coord,
		Forecaster: fc,
		Ranker:     ranker,
		Events:     bus,
	})
	require.NoError(t, err)

	srv, err := New(Options{}, Deps{
		Store:       store,
		Coordinator: coord,
		Forecaster:  fc,
		Ranker:      ranker,
		Engine:      engine,
		Scheduler:   workflow.NewScheduler(engine, time.UTC, nil),
		Bus:         bus,
	})
	require.NoError(t, err)
	return &testServer{srv: srv, store: store, engine: engine, bus: bus}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func supplierDefinition(id string, level models.AutomationLevel) map[string]any {
	return map[string]any{
		"id":         id,
		"type":       "supplier_selection",
		"trigger":    map[string]any{"kind": "manual"},
		"automation": map[string]any{"level": level},
		"parameters": map[string]any{
			"candidates": []map[string]any{
				{"id": "acme", "unit_cost": 8, "scores": map[string]float64{"quality": 0.9, "price": 8}},
				{"id": "globex", "unit_cost": 9, "scores": map[string]float64{"quality": 0.4, "price": 9}},
			},
			"criteria": []map[string]any{
				{"name": "quality", "weight": 0.6},
				{"name": "price", "weight": 0.4, "cost": true},
			},
			"current_unit_cost": 10,
			"volume":            50,
		},
	}
}

func TestHealthReadyMetrics(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, w)["status"])

	w = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = ts.do(t, http.MethodPost, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestReadyFailsWhenStoreIsDown(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.Close())

	w := ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWorkflowLifecycle(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/workflows", supplierDefinition("pick-supplier", models.FullyAutomated))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Workflow](t, w)
	assert.Equal(t, models.WorkflowActive, created.Status)

	w = ts.do(t, http.MethodGet, "/api/v1/workflows/pick-supplier", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/workflows/pick-supplier/execute", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[models.WorkflowExecutionResult](t, w)
	assert.Equal(t, models.ExecutionSuccess, res.Status)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "acme", res.Actions[0].Target)
	assert.Equal(t, 100.0, res.Metrics.TotalCostSavings)

	w = ts.do(t, http.MethodGet, "/api/v1/workflows/pick-supplier/executions?limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[map[string][]models.WorkflowExecutionResult](t, w)
	assert.Len(t, history["executions"], 1)

	w = ts.do(t, http.MethodGet, "/api/v1/workflows", nil)
	assert.Len(t, decode[map[string][]models.Workflow](t, w)["workflows"], 1)

	w = ts.do(t, http.MethodPost, "/api/v1/workflows/pick-supplier/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.WorkflowPaused, decode[models.Workflow](t, w).Status)

	w = ts.do(t, http.MethodPost, "/api/v1/workflows/pick-supplier/execute", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/workflows/pick-supplier/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/workflows/pick-supplier/resume", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/events?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(events.KindWorkflowCompleted))
}

func TestWorkflowErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
	}{
		{"unknown workflow", http.MethodGet, "/api/v1/workflows/nope", nil, http.StatusNotFound},
		{"execute unknown", http.MethodPost, "/api/v1/workflows/nope/execute", nil, http.StatusNotFound},
		{"history unknown", http.MethodGet, "/api/v1/workflows/nope/executions", nil, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/api/v1/events?limit=-3", nil, http.StatusBadRequest},
		{"malformed json", http.MethodPost, "/api/v1/workflows", "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/workflows", `{"id":"x","colour":"red"}`, http.StatusBadRequest},
		{"unsupported type", http.MethodPost, "/api/v1/workflows", map[string]any{
			"type": "teleport", "trigger": map[string]any{"kind": "manual"}, "automation": map[string]any{"level": "fully_automated"},
		}, http.StatusUnprocessableEntity},
		{"invalid trigger", http.MethodPost, "/api/v1/workflows", map[string]any{
			"type": "cost_optimization", "trigger": map[string]any{"kind": "schedule", "frequency": "whenever"}, "automation": map[string]any{"level": "fully_automated"},
		}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[errorResponse](t, w).Error)
		})
	}

	w := ts.do(t, http.MethodPost, "/api/v1/workflows", map[string]any{
		"type": "cost_optimization", "trigger": map[string]any{"kind": "event"}, "automation": map[string]any{"level": "fully_automated"},
	})
	assert.Equal(t, "trigger.event_name", decode[errorResponse](t, w).Field)
}

func TestApprovals(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/api/v1/workflows", supplierDefinition("gated", models.ApprovalRequired))
	require.Equal(t, http.StatusCreated, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/workflows/gated/execute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	res := decode[models.WorkflowExecutionResult](t, w)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, models.ActionPendingApproval, res.Actions[0].Status)

	w = ts.do(t, http.MethodGet, "/api/v1/approvals", nil)
	pending := decode[map[string][]models.Approval](t, w)["approvals"]
	require.Len(t, pending, 1)
	id := pending[0].ID

	w = ts.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/approve", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/approve", map[string]string{"by": "ops-lead"})
	require.Equal(t, http.StatusOK, w.Code)
	decided := decode[models.Approval](t, w)
	assert.Equal(t, models.ApprovalApproved, decided.Status)
	assert.Equal(t, "ops-lead", decided.ResolvedBy)

	w = ts.do(t, http.MethodPost, "/api/v1/approvals/"+id+"/reject", map[string]string{"by": "ops-lead"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/workflows/gated", nil)
	assert.Equal(t, 100.0, decode[models.Workflow](t, w).Performance.CostSavings)
}

func TestIngestFiresThresholdWorkflows(t *testing.T) {
	ts := newTestServer(t)
	def := map[string]any{
		"id":         "cost-spike",
		"type":       "cost_optimization",
		"trigger":    map[string]any{"kind": "threshold", "metric": "daily_cost", "threshold": 1000},
		"automation": map[string]any{"level": "fully_automated"},
		"parameters": map[string]any{
			"candidates": []map[string]any{{"id": "rightsize", "scores": map[string]float64{"impact": 1}, "estimated_savings": 300}},
			"criteria":   []map[string]any{{"name": "impact", "weight": 1}},
		},
	}
	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/api/v1/workflows", def).Code)

	scope := models.EntityScope{EntityType: "cluster", EntityID: "prod"}
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	body := ingestRequest{Metric: "daily_cost", Scope: scope, Samples: []models.Sample{
		{Timestamp: base.Add(time.Hour), Value: 1500},
		{Timestamp: base, Value: 200},
	}}
	w := ts.do(t, http.MethodPost, "/api/v1/samples", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[ingestResponse](t, w)
	assert.Equal(t, 2, resp.Recorded)
	require.Len(t, resp.Triggered, 1)
	assert.Equal(t, "cost-spike", resp.Triggered[0].WorkflowID)
	assert.Equal(t, 300.0, resp.Triggered[0].Metrics.TotalCostSavings)

	samples, err := ts.store.GetSamples(context.Background(), "daily_cost", scope, 10)
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	// Below the threshold nothing runs.
	body.Samples = []models.Sample{{Timestamp: base.Add(2 * time.Hour), Value: 10}}
	w = ts.do(t, http.MethodPost, "/api/v1/samples", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, decode[ingestResponse](t, w).Triggered)

	w = ts.do(t, http.MethodPost, "/api/v1/samples", ingestRequest{Samples: body.Samples})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForecastEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	scope := models.EntityScope{EntityType: "item", EntityID: "sku-1"}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		v := 100 + float64(i) + 10*float64(i%7)
		require.NoError(t, ts.store.RecordSample(ctx, "demand", scope, models.Sample{Timestamp: base.AddDate(0, 0, i), Value: v}))
	}

	target := forecast.Target{Metric: "demand", Scope: scope}
	w := ts.do(t, http.MethodPost, "/api/v1/forecasts", forecastRequest{Targets: []forecast.Target{target}, HorizonDays: 7})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[forecastResponse](t, w)
	require.Len(t, resp.Forecasts, 1)
	assert.Len(t, resp.Forecasts[0].Points, 7)
	assert.Equal(t, target.ID(), resp.Forecasts[0].TargetID)

	missing := forecast.Target{Metric: "demand", Scope: models.EntityScope{EntityType: "item", EntityID: "new"}}
	w = ts.do(t, http.MethodPost, "/api/v1/forecasts", forecastRequest{Targets: []forecast.Target{missing}, HorizonDays: 7})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/forecasts", forecastRequest{Targets: []forecast.Target{target, missing}, HorizonDays: 7})
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[forecastResponse](t, w)
	assert.Len(t, resp.Forecasts, 1)
	require.Len(t, resp.Failures, 1)
	assert.Equal(t, missing.ID(), resp.Failures[0].Target)

	w = ts.do(t, http.MethodPost, "/api/v1/forecasts", forecastRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRankEndpoint(t *testing.T) {
	ts := newTestServer(t)
	req := rankRequest{
		Options: []models.DecisionOption{
			{ID: "a", RawScores: map[string]float64{"quality": 3, "price": 100}},
			{ID: "b", RawScores: map[string]float64{"quality": 9, "price": 80}},
		},
		Criteria:  []models.Criterion{{Name: "quality", Weight: 0.5}, {Name: "price", Weight: 0.5, Cost: true}},
		Normalize: true,
	}
	w := ts.do(t, http.MethodPost, "/api/v1/rankings", req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[models.RankingResult](t, w)
	top, ok := res.Top()
	require.True(t, ok)
	assert.Equal(t, "b", top.ID)

	// Unscaled scores are rejected unless normalisation is requested.
	req.Normalize = false
	w = ts.do(t, http.MethodPost, "/api/v1/rankings", req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	req.Normalize = true

	req.Criteria[0].Weight = 0.9
	w = ts.do(t, http.MethodPost, "/api/v1/rankings", req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAlertEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	detected := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	for i, sev := range []models.Severity{models.SeverityHigh, models.SeverityLow} {
		require.NoError(t, ts.store.SaveAlert(ctx, &models.AnomalyAlert{
			ID:         fmt.Sprintf("al-%d", i),
			Type:       models.AlertSpike,
			Severity:   sev,
			DetectedAt: detected,
			State:      models.AlertDetected,
			Context:    models.AlertContext{Metric: "cpu", EntityType: "node", EntityID: "n1"},
		}))
	}

	w := ts.do(t, http.MethodGet, "/api/v1/alerts?severity=high", nil)
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decode[map[string][]models.AnomalyAlert](t, w)["alerts"]
	require.Len(t, alerts, 1)
	assert.Equal(t, "al-0", alerts[0].ID)

	w = ts.do(t, http.MethodPost, "/api/v1/alerts/al-0/acknowledge", map[string]string{"by": "oncall"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.AlertAcknowledged, decode[models.AnomalyAlert](t, w).State)

	w = ts.do(t, http.MethodPost, "/api/v1/alerts/al-0/acknowledge", map[string]string{"by": "oncall"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/alerts/al-0/resolve", resolveRequest{Resolution: "scaled up", FalsePositive: false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.AlertResolved, decode[models.AnomalyAlert](t, w).State)

	w = ts.do(t, http.MethodGet, "/api/v1/alerts?state=detected", nil)
	assert.Len(t, decode[map[string][]models.AnomalyAlert](t, w)["alerts"], 1)

	w = ts.do(t, http.MethodPost, "/api/v1/alerts/missing/acknowledge", map[string]string{"by": "oncall"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = ts.do(t, http.MethodGet, "/api/v1/alerts?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestModelEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/models", map[string]any{
		"variant": "statistical", "target_metric": "latency", "sensitivity": 0.5,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	m := decode[models.DetectionModel](t, w)
	assert.Equal(t, models.ModelTraining, m.Status)
	require.NotNil(t, m.Sensitivity)
	assert.Equal(t, 0.5, *m.Sensitivity)

	// An omitted sensitivity takes the coordinator default.
	w = ts.do(t, http.MethodPost, "/api/v1/models", map[string]any{
		"variant": "isolation_forest", "target_metric": "errors",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	defaulted := decode[models.DetectionModel](t, w)
	require.NotNil(t, defaulted.Sensitivity)
	assert.Equal(t, anomaly.DefaultConfig().DefaultSensitivity, *defaulted.Sensitivity)
	assert.Equal(t, anomaly.DefaultConfig().DefaultWindowSize, defaulted.WindowSize)

	// Without history the model stays in training.
	w = ts.do(t, http.MethodPost, "/api/v1/models/"+m.ID+"/train", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.ModelTraining, decode[models.DetectionModel](t, w).Status)

	w = ts.do(t, http.MethodGet, "/api/v1/models", nil)
	assert.Len(t, decode[map[string][]models.DetectionModel](t, w)["models"], 2)

	w = ts.do(t, http.MethodPost, "/api/v1/models", map[string]any{"variant": "magic", "target_metric": "latency"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = ts.do(t, http.MethodPost, "/api/v1/models/missing/train", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPost, "/api/v1/anomalies/detect", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[anomaly.DetectionReport](t, w).Alerts)
}

func TestSchedulesEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"schedules":[]}`, w.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", models.ErrWorkflowNotFound), http.StatusNotFound},
		{models.ErrApprovalNotFound, http.StatusNotFound},
		{&models.InsufficientDataError{Op: "x", Need: 2, Got: 1}, http.StatusUnprocessableEntity},
		{models.ErrInvalidWeights, http.StatusUnprocessableEntity},
		{&models.ValidationError{Field: "f", Message: "m"}, http.StatusBadRequest},
		{&badRequest{msg: "bad"}, http.StatusBadRequest},
		{models.ErrExecutionInProgress, http.StatusConflict},
		{models.ErrVersionConflict, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{}, Deps{})
	assert.Error(t, err)
}
