package anomaly

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-optimizer/internal/events"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

var podScope = models.EntityScope{EntityID: "checkout-7d9f", EntityType: "pod"}

// steady returns n values cycling 8..12.
func steady(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 8 + float64(i%5)
	}
	return out
}

type harness struct {
	data  *fakeData
	store *fakeStore
	bus   *events.Bus
	coord *Coordinator
	clock time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		data:  newFakeData(),
		store: newFakeStore(),
		bus:   events.NewBus(10, nil),
		clock: testNow,
	}
	cfg := DefaultConfig()
	cfg.Seed = 11
	h.coord = NewCoordinator(cfg, Deps{
		Data:   h.data,
		Store:  h.store,
		Events: h.bus,
		Now:    func() time.Time { return h.clock },
	})
	return h
}

func (h *harness) register(t *testing.T, variant models.DetectionVariant, metric string) *models.DetectionModel {
	t.Helper()
	m, err := h.coord.Register(context.Background(), &models.DetectionModel{
		Variant:      variant,
		TargetMetric: metric,
		Scope:        podScope,
		Sensitivity:  ptr(0.5),
		WindowSize:   100,
	})
	require.NoError(t, err)
	return m
}

func ptr(v float64) *float64 { return &v }

func TestCoordinatorRegister(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, models.VariantStatistical, "cpu_usage")

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, models.ModelTraining, m.Status)
	assert.Equal(t, testNow, m.CreatedAt)
	require.NotNil(t, h.store.model(m.ID))

	_, err := h.coord.Register(context.Background(), &models.DetectionModel{
		Variant: models.VariantIsolationForest, TargetMetric: "cpu_usage", Scope: podScope,
	})
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "target_metric", ve.Field)

	_, err = h.coord.Register(context.Background(), &models.DetectionModel{Variant: "lstm", TargetMetric: "mem"})
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "variant", ve.Field)

	m2, err := h.coord.Register(context.Background(), &models.DetectionModel{Variant: models.VariantStatistical, TargetMetric: "mem"})
	require.NoError(t, err)
	assert.Equal(t, 100, m2.WindowSize)
	assert.Len(t, h.coord.Models(), 2)
}

func TestCoordinatorRegisterAppliesConfiguredDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultSensitivity = 0.8
	cfg.DefaultWindowSize = 40
	coord := NewCoordinator(cfg, Deps{Data: newFakeData(), Now: func() time.Time { return testNow }})

	m, err := coord.Register(context.Background(), &models.DetectionModel{
		Variant: models.VariantStatistical, TargetMetric: "cpu_usage", Scope: podScope,
	})
	require.NoError(t, err)
	require.NotNil(t, m.Sensitivity)
	assert.Equal(t, 0.8, *m.Sensitivity)
	assert.Equal(t, 40, m.WindowSize)

	stored, err := coord.Model(m.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.8, stored.SensitivityOr(0))

	e, err := coord.lookup(m.ID)
	require.NoError(t, err)
	det, ok := e.detector.(*StatisticalDetector)
	require.True(t, ok)
	assert.InDelta(t, baseZThreshold+0.8, det.ZThreshold(), 1e-9)

	// An explicit zero is kept and not replaced by the default.
	explicit, err := coord.Register(context.Background(), &models.DetectionModel{
		Variant: models.VariantStatistical, TargetMetric: "mem_usage", Scope: podScope, Sensitivity: ptr(0),
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, *explicit.Sensitivity)
}

func TestCoordinatorTrainSkipsWithTooFewSamples(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, models.VariantStatistical, "cpu_usage")
	h.data.load("cpu_usage", podScope, steady(5))

	require.NoError(t, h.coord.Train(context.Background(), m.ID))

	got, err := h.coord.Model(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModelTraining, got.Status)
	assert.Nil(t, got.TrainedAt)
}

func TestCoordinatorTrainActivatesModel(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, models.VariantStatistical, "cpu_usage")
	h.data.load("cpu_usage", podScope, steady(300))

	require.NoError(t, h.coord.Train(context.Background(), m.ID))

	got, err := h.coord.Model(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModelActive, got.Status)
	require.NotNil(t, got.TrainedAt)
	assert.Equal(t, 100, got.TrainedStatistics.SampleCount)
	assert.InDelta(t, 10.0, got.TrainedStatistics.Mean, 1e-9)

	stored := h.store.model(m.ID)
	require.NotNil(t, stored)
	assert.Equal(t, models.ModelActive, stored.Status)

	err = h.coord.Train(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrModelNotFound)
}

func TestCoordinatorTrainAllCollectsFailures(t *testing.T) {
	h := newHarness(t)
	ok := h.register(t, models.VariantStatistical, "cpu_usage")
	bad := h.register(t, models.VariantIsolationForest, "latency")
	h.data.load("cpu_usage", podScope, steady(300))
	h.data.errs["latency"] = errors.New("metrics backend down")

	failures := h.coord.TrainAll(context.Background())
	require.Len(t, failures, 1)
	assert.Equal(t, bad.ID, failures[0].Target)
	assert.Contains(t, failures[0].Error, "metrics backend down")

	got, err := h.coord.Model(ok.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModelActive, got.Status)
}

func TestCoordinatorDetectAll(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, models.VariantStatistical, "cpu_usage")
	h.data.load("cpu_usage", podScope, steady(300))
	require.NoError(t, h.coord.Train(context.Background(), m.ID))

	values := append(steady(299), 30)
	h.data.load("cpu_usage", podScope, values)

	ch, unsubscribe := h.bus.SubscribeChan(4)
	defer unsubscribe()

	report, err := h.coord.DetectAll(context.Background(), models.EntityScope{})
	require.NoError(t, err)
	assert.Empty(t, report.Failures)
	require.Len(t, report.Alerts, 1)

	a := report.Alerts[0]
	assert.Equal(t, models.AlertSpike, a.Type)
	assert.Equal(t, models.SeverityCritical, a.Severity)
	assert.Equal(t, "immediate", a.Impact.Urgency)
	assert.Equal(t, models.AlertDetected, a.State)
	assert.Equal(t, m.ID, a.Detection.ModelID)
	assert.Equal(t, models.VariantStatistical, a.Detection.Algorithm)
	assert.Equal(t, 30.0, a.Context.CurrentValue)
	assert.Equal(t, testNow, a.Context.ObservedAt)
	assert.Equal(t, "checkout-7d9f", a.Context.EntityID)
	assert.Equal(t, 200, a.Context.HistoricalStats.Count)
	assert.Greater(t, a.Context.Deviation, 0.0)
	assert.InDelta(t, a.Context.HistoricalStats.Mean, a.Context.ExpectedValue, 1e-12)

	_, err = h.store.GetAlert(context.Background(), a.ID)
	require.NoError(t, err)

	select {
	case e := <-ch:
		ad, ok := e.(*events.AnomaliesDetected)
		require.True(t, ok)
		assert.Len(t, ad.Alerts, 1)
	default:
		t.Fatal("expected anomalies_detected event")
	}
}

func TestCoordinatorDetectAllIsolatesFailures(t *testing.T) {
	h := newHarness(t)
	good := h.register(t, models.VariantStatistical, "cpu_usage")
	bad := h.register(t, models.VariantStatistical, "memory_usage")
	h.data.load("cpu_usage", podScope, steady(300))
	h.data.load("memory_usage", podScope, steady(300))
	require.Empty(t, h.coord.TrainAll(context.Background()))

	h.data.load("cpu_usage", podScope, append(steady(299), -40))
	h.data.errs["memory_usage"] = errors.New("timeout")
	h.store.failAlerts = true

	report, err := h.coord.DetectAll(context.Background(), models.EntityScope{})
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, bad.ID, report.Failures[0].Target)

	// Persistence failures are swallowed; the alert is still returned.
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, good.ID, report.Alerts[0].Detection.ModelID)
	assert.Equal(t, models.AlertDrop, report.Alerts[0].Type)
	assert.Less(t, report.Alerts[0].Context.Deviation, 0.0)
}

func TestCoordinatorDetectAllRespectsScopeAndStatus(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, models.VariantStatistical, "cpu_usage")
	h.data.load("cpu_usage", podScope, steady(300))
	require.NoError(t, h.coord.Train(context.Background(), m.ID))
	h.data.load("cpu_usage", podScope, append(steady(299), 30))

	other := models.EntityScope{EntityID: "billing", EntityType: "pod"}
	report, err := h.coord.DetectAll(context.Background(), other)
	require.NoError(t, err)
	assert.Empty(t, report.Alerts)

	require.NoError(t, h.coord.SetStatus(context.Background(), m.ID, models.ModelInactive))
	report, err = h.coord.DetectAll(context.Background(), podScope)
	require.NoError(t, err)
	assert.Empty(t, report.Alerts)
	assert.Empty(t, h.bus.Recent(0))
}

func TestCoordinatorSequenceModelRaisesPatternAlert(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, models.VariantSequenceReconstruction, "queue_depth")
	h.data.load("queue_depth", podScope, steady(300))
	require.NoError(t, h.coord.Train(context.Background(), m.ID))

	h.data.load("queue_depth", podScope, append(steady(299), 90))
	report, err := h.coord.DetectAll(context.Background(), podScope)
	require.NoError(t, err)
	require.NotEmpty(t, report.Alerts)
	last := report.Alerts[len(report.Alerts)-1]
	assert.Equal(t, models.AlertPattern, last.Type)
	assert.Equal(t, 90.0, last.Context.CurrentValue)
}

func TestCoordinatorSetStatusRequiresTraining(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, models.VariantIsolationForest, "cpu_usage")

	err := h.coord.SetStatus(context.Background(), m.ID, models.ModelActive)
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))

	err = h.coord.SetStatus(context.Background(), "nope", models.ModelInactive)
	assert.ErrorIs(t, err, models.ErrModelNotFound)
}

func TestCoordinatorAlertLifecycle(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, models.VariantStatistical, "cpu_usage")
	h.data.load("cpu_usage", podScope, steady(300))
	require.NoError(t, h.coord.Train(context.Background(), m.ID))
	h.data.load("cpu_usage", podScope, append(steady(299), 30))

	report, err := h.coord.DetectAll(context.Background(), podScope)
	require.NoError(t, err)
	require.Len(t, report.Alerts, 1)
	id := report.Alerts[0].ID

	h.clock = testNow.Add(5 * time.Minute)
	acked, err := h.coord.Acknowledge(context.Background(), id, "oncall")
	require.NoError(t, err)
	assert.Equal(t, models.AlertAcknowledged, acked.State)
	assert.Equal(t, "oncall", acked.AcknowledgedBy)

	// A skewed clock never moves resolution before acknowledgement.
	h.clock = testNow.Add(time.Minute)
	resolved, err := h.coord.Resolve(context.Background(), id, "scaled out", false)
	require.NoError(t, err)
	assert.Equal(t, models.AlertResolved, resolved.State)
	require.NotNil(t, resolved.ResolvedAt)
	assert.False(t, resolved.ResolvedAt.Before(*resolved.AcknowledgedAt))
	assert.False(t, resolved.AcknowledgedAt.Before(resolved.DetectedAt))

	_, err = h.coord.Resolve(context.Background(), id, "again", true)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = h.coord.Acknowledge(context.Background(), "missing", "oncall")
	assert.ErrorIs(t, err, models.ErrAlertNotFound)
}

func TestCoordinatorBaseline(t *testing.T) {
	h := newHarness(t)
	h.data.load("cpu_usage", podScope, steady(50))

	b, err := h.coord.Baseline(context.Background(), "cpu_usage", podScope, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, b.Count)
	assert.InDelta(t, 10.0, b.Mean, 1e-12)
	assert.Equal(t, 8.0, b.Min)
	assert.Equal(t, 12.0, b.Max)

	_, err = h.coord.Baseline(context.Background(), "unknown", podScope, 10)
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}

func TestCoordinatorRestore(t *testing.T) {
	h := newHarness(t)
	m := h.register(t, models.VariantStatistical, "cpu_usage")
	h.data.load("cpu_usage", podScope, steady(300))
	require.NoError(t, h.coord.Train(context.Background(), m.ID))

	restored := NewCoordinator(DefaultConfig(), Deps{Data: h.data, Store: h.store})
	require.NoError(t, restored.Restore(context.Background()))

	got, err := restored.Model(m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ModelActive, got.Status)
}
