package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/stats"
	"github.com/kubilitics/kubilitics-optimizer/internal/audit"
	"github.com/kubilitics/kubilitics-optimizer/internal/events"
	"github.com/kubilitics/kubilitics-optimizer/internal/gateway"
	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/telemetry"
)

var tracer = telemetry.Tracer("anomaly")

// Config holds coordinator-wide defaults.
type Config struct {
	DefaultSensitivity float64
	DefaultWindowSize  int
	// Lookback bounds the samples DetectAll treats as recent.
	Lookback    time.Duration
	MaxParallel int
	Isolation   IsolationConfig
	// SequenceLength is the window length of sequence reconstruction models.
	SequenceLength int
	Seed           int64
}

// DefaultConfig returns the stock coordinator settings.
func DefaultConfig() Config {
	return Config{
		DefaultSensitivity: 0.5,
		DefaultWindowSize:  100,
		Lookback:           time.Hour,
		MaxParallel:        4,
		Isolation:          DefaultIsolationConfig(),
		SequenceLength:     defaultSequenceLength,
	}
}

// Deps are the collaborators of a Coordinator. Data is required; the rest
// default to no-ops.
type Deps struct {
	Data   gateway.DataGateway
	Store  gateway.PersistenceGateway
	Events events.Publisher
	Audit  audit.Logger
	Logger *zap.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// DetectionReport is the outcome of one DetectAll pass.
type DetectionReport struct {
	Alerts   []*models.AnomalyAlert   `json:"alerts"`
	Failures []models.BatchItemResult `json:"failures,omitempty"`
}

// entry pairs a model with its detector. mu serialises training and
// detection for the model.
type entry struct {
	mu       sync.Mutex
	model    *models.DetectionModel
	detector Detector
}

// Coordinator owns one detection model per metric and scope.
type Coordinator struct {
	cfg    Config
	data   gateway.DataGateway
	store  gateway.PersistenceGateway
	events events.Publisher
	audit  audit.Logger
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	entries  map[string]*entry
	byTarget map[string]string
}

// NewCoordinator creates a coordinator with no models.
func NewCoordinator(cfg Config, deps Deps) *Coordinator {
	def := DefaultConfig()
	if cfg.DefaultSensitivity < 0 || cfg.DefaultSensitivity > 1 {
		cfg.DefaultSensitivity = def.DefaultSensitivity
	}
	if cfg.DefaultWindowSize <= 0 {
		cfg.DefaultWindowSize = def.DefaultWindowSize
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = def.MaxParallel
	}
	if cfg.SequenceLength <= 0 {
		cfg.SequenceLength = def.SequenceLength
	}
	if cfg.Isolation.Seed == 0 {
		cfg.Isolation.Seed = cfg.Seed
	}

	c := &Coordinator{
		cfg:      cfg,
		data:     deps.Data,
		store:    deps.Store,
		events:   deps.Events,
		audit:    deps.Audit,
		logger:   logging.OrNop(deps.Logger).Named("coordinator"),
		now:      deps.Now,
		entries:  make(map[string]*entry),
		byTarget: make(map[string]string),
	}
	if c.audit == nil {
		c.audit = audit.NewNopLogger()
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

func targetKey(metric string, scope models.EntityScope) string {
	return metric + "@" + scope.Key()
}

// newDetector builds the detector for the model's variant.
func (c *Coordinator) newDetector(m *models.DetectionModel) (Detector, error) {
	sensitivity := m.SensitivityOr(c.cfg.DefaultSensitivity)
	switch m.Variant {
	case models.VariantStatistical:
		return NewStatisticalDetector(m.WindowSize, sensitivity), nil
	case models.VariantIsolationForest:
		return NewIsolationForestDetector(c.cfg.Isolation, sensitivity), nil
	case models.VariantSequenceReconstruction:
		return NewSequenceDetector(c.cfg.SequenceLength, sensitivity, c.cfg.Seed), nil
	default:
		return nil, &models.ValidationError{Field: "variant", Message: fmt.Sprintf("unknown variant %q", m.Variant)}
	}
}

// Register adds a model in the training state. Only one model may exist per
// metric and scope. Unset sensitivity and window size take the configured
// defaults.
func (c *Coordinator) Register(ctx context.Context, m *models.DetectionModel) (*models.DetectionModel, error) {
	model := *m
	if model.Sensitivity == nil {
		sensitivity := c.cfg.DefaultSensitivity
		model.Sensitivity = &sensitivity
	} else {
		sensitivity := *model.Sensitivity
		model.Sensitivity = &sensitivity
	}
	if model.WindowSize == 0 {
		model.WindowSize = c.cfg.DefaultWindowSize
	}
	if err := model.Validate(); err != nil {
		return nil, err
	}
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	model.Status = models.ModelTraining
	model.TrainedStatistics = models.TrainedStatistics{}
	model.TrainedAt = nil
	model.CreatedAt = c.now()

	owned := model
	if err := c.add(&owned); err != nil {
		return nil, err
	}
	c.saveModel(ctx, &model)

	c.logger.Info("detection model registered",
		zap.String("model_id", model.ID),
		zap.String("variant", string(model.Variant)),
		zap.String("metric", model.TargetMetric),
	)
	return &model, nil
}

func (c *Coordinator) add(m *models.DetectionModel) error {
	det, err := c.newDetector(m)
	if err != nil {
		return err
	}

	key := targetKey(m.TargetMetric, m.Scope)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[m.ID]; ok {
		return &models.ValidationError{Field: "id", Message: fmt.Sprintf("model %s already registered", m.ID)}
	}
	if existing, ok := c.byTarget[key]; ok {
		return &models.ValidationError{Field: "target_metric", Message: fmt.Sprintf("metric %s already has model %s", key, existing)}
	}
	c.entries[m.ID] = &entry{model: m, detector: det}
	c.byTarget[key] = m.ID
	return nil
}

// Restore loads persisted models and retrains the active ones. Training
// failures are logged; the models stay registered.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	stored, err := c.store.ListDetectionModels(ctx)
	if err != nil {
		return fmt.Errorf("list detection models: %w", err)
	}

	var toTrain []string
	for _, m := range stored {
		wasActive := m.Status == models.ModelActive
		if wasActive {
			// Detector state is not persisted; the model is active again once
			// retrained.
			m.Status = models.ModelTraining
		}
		if err := c.add(m); err != nil {
			c.logger.Warn("skipping stored detection model", zap.String("model_id", m.ID), zap.Error(err))
			continue
		}
		if wasActive {
			toTrain = append(toTrain, m.ID)
		}
	}

	for _, f := range c.train(ctx, toTrain) {
		c.logger.Warn("retraining restored model failed", zap.String("model_id", f.Target), zap.String("error", f.Error))
	}
	c.logger.Info("detection models restored", zap.Int("count", len(stored)), zap.Int("retrained", len(toTrain)))
	return nil
}

func (c *Coordinator) lookup(id string) (*entry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrModelNotFound, id)
	}
	return e, nil
}

// Model returns a copy of the model.
func (c *Coordinator) Model(id string) (*models.DetectionModel, error) {
	e, err := c.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := *e.model
	return &out, nil
}

// Models returns copies of every model, oldest first.
func (c *Coordinator) Models() []*models.DetectionModel {
	c.mu.RLock()
	list := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		list = append(list, e)
	}
	c.mu.RUnlock()

	out := make([]*models.DetectionModel, 0, len(list))
	for _, e := range list {
		e.mu.Lock()
		m := *e.model
		e.mu.Unlock()
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetStatus changes a model's status. A model can only be activated after
// its detector has been trained.
func (c *Coordinator) SetStatus(ctx context.Context, id string, status models.ModelStatus) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	switch status {
	case models.ModelActive:
		if !e.detector.Trained() {
			e.mu.Unlock()
			return &models.ValidationError{Field: "status", Message: "model has not been trained"}
		}
	case models.ModelInactive, models.ModelTraining:
	default:
		e.mu.Unlock()
		return &models.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	e.model.Status = status
	snapshot := *e.model
	e.mu.Unlock()

	c.saveModel(ctx, &snapshot)
	return nil
}

// Train fits the model's detector on the last window_size·2 samples. Too few
// samples is not an error: the model stays in training and nil is returned.
func (c *Coordinator) Train(ctx context.Context, id string) error {
	e, err := c.lookup(id)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "anomaly.Train")
	defer span.End()
	span.SetAttributes(attribute.String("model.id", id))

	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.model
	algo := string(m.Variant)
	samples, err := c.data.GetSamples(ctx, m.TargetMetric, m.Scope, m.WindowSize*2)
	if err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues(algo, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &models.DetectionComputeError{ModelID: id, Err: fmt.Errorf("fetch samples: %w", err)}
	}

	values := models.Values(samples)
	if err := e.detector.Train(ctx, values); err != nil {
		if errors.Is(err, models.ErrInsufficientData) {
			metrics.ModelTrainingsTotal.WithLabelValues(algo, "insufficient_data").Inc()
			c.logger.Warn("not enough samples to train model",
				zap.String("model_id", id),
				zap.String("metric", m.TargetMetric),
				zap.Error(err),
			)
			return nil
		}
		metrics.ModelTrainingsTotal.WithLabelValues(algo, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &models.DetectionComputeError{ModelID: id, Err: err}
	}

	now := c.now()
	m.TrainedStatistics = e.detector.Statistics()
	m.TrainedAt = &now
	if m.Status == models.ModelTraining {
		m.Status = models.ModelActive
	}
	metrics.ModelTrainingsTotal.WithLabelValues(algo, "success").Inc()

	snapshot := *m
	c.saveModel(ctx, &snapshot)
	c.logger.Debug("model trained", zap.String("model_id", id), zap.Int("samples", len(values)))
	return nil
}

// TrainAll trains every model that is not inactive. Per-model failures are
// collected rather than returned.
func (c *Coordinator) TrainAll(ctx context.Context) []models.BatchItemResult {
	ctx, span := tracer.Start(ctx, "anomaly.TrainAll")
	defer span.End()

	var ids []string
	for _, m := range c.Models() {
		if m.Status != models.ModelInactive {
			ids = append(ids, m.ID)
		}
	}
	return c.train(ctx, ids)
}

func (c *Coordinator) train(ctx context.Context, ids []string) []models.BatchItemResult {
	var (
		mu       sync.Mutex
		failures []models.BatchItemResult
	)
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxParallel)
	for _, id := range ids {
		g.Go(func() error {
			if err := c.Train(ctx, id); err != nil {
				mu.Lock()
				failures = append(failures, models.BatchItemResult{Target: id, Error: err.Error()})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	sortFailures(failures)
	return failures
}

// DetectAll runs every active model (restricted to scope unless it is zero)
// over its recent samples. Failures of one model never stop the others.
func (c *Coordinator) DetectAll(ctx context.Context, scope models.EntityScope) (*DetectionReport, error) {
	ctx, span := tracer.Start(ctx, "anomaly.DetectAll")
	defer span.End()

	c.mu.RLock()
	var targets []*entry
	for _, e := range c.entries {
		targets = append(targets, e)
	}
	c.mu.RUnlock()

	var (
		mu     sync.Mutex
		report = &DetectionReport{Alerts: []*models.AnomalyAlert{}}
	)
	var g errgroup.Group
	g.SetLimit(c.cfg.MaxParallel)
	for _, e := range targets {
		g.Go(func() error {
			alerts, modelID, err := c.detectModel(ctx, e, scope)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, models.BatchItemResult{Target: modelID, Error: err.Error()})
				c.logger.Warn("detection failed", zap.String("model_id", modelID), zap.Error(err))
				return nil
			}
			report.Alerts = append(report.Alerts, alerts...)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(report.Alerts, func(i, j int) bool {
		a, b := report.Alerts[i], report.Alerts[j]
		if !a.Context.ObservedAt.Equal(b.Context.ObservedAt) {
			return a.Context.ObservedAt.Before(b.Context.ObservedAt)
		}
		return a.Detection.ModelID < b.Detection.ModelID
	})
	sortFailures(report.Failures)

	for _, a := range report.Alerts {
		metrics.AlertsTotal.WithLabelValues(string(a.Severity)).Inc()
		if c.store != nil {
			if err := c.store.SaveAlert(ctx, a); err != nil {
				c.persistenceFailed("save_alert", a.ID, err)
			}
		}
		if err := c.audit.LogAlertDetected(ctx, a); err != nil {
			c.logger.Warn("failed to audit alert", zap.String("alert_id", a.ID), zap.Error(err))
		}
	}
	if len(report.Alerts) > 0 && c.events != nil {
		c.events.Publish(ctx, &events.AnomaliesDetected{Alerts: report.Alerts, At: c.now()})
	}

	span.SetAttributes(
		attribute.Int("alerts", len(report.Alerts)),
		attribute.Int("failures", len(report.Failures)),
	)
	return report, ctx.Err()
}

// detectModel scores the recent samples of one model.
func (c *Coordinator) detectModel(ctx context.Context, e *entry, scope models.EntityScope) ([]*models.AnomalyAlert, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := e.model
	if m.Status != models.ModelActive || (!scope.IsZero() && m.Scope != scope) {
		return nil, m.ID, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, m.ID, err
	}

	start := time.Now()
	algo := string(m.Variant)
	defer func() {
		metrics.DetectionDuration.WithLabelValues(algo).Observe(time.Since(start).Seconds())
	}()

	samples, err := c.data.GetSamples(ctx, m.TargetMetric, m.Scope, m.WindowSize*2)
	if err != nil {
		metrics.DetectionsTotal.WithLabelValues(algo, "error").Inc()
		return nil, m.ID, &models.DetectionComputeError{ModelID: m.ID, Err: fmt.Errorf("fetch samples: %w", err)}
	}
	if len(samples) == 0 {
		return nil, m.ID, nil
	}

	values := models.Values(samples)
	hist := stats.Historical(values)
	cutoff := c.now().Add(-c.cfg.Lookback)
	first := sort.Search(len(samples), func(i int) bool { return !samples[i].Timestamp.Before(cutoff) })

	var alerts []*models.AnomalyAlert
	for i := first; i < len(samples); i++ {
		r, err := c.score(e.detector, values, i)
		if err != nil {
			metrics.DetectionsTotal.WithLabelValues(algo, "error").Inc()
			return alerts, m.ID, &models.DetectionComputeError{ModelID: m.ID, Err: err}
		}
		switch {
		case r.Reason != "":
			metrics.DetectionsTotal.WithLabelValues(algo, "skipped").Inc()
			if r.Reason == ReasonNotTrained {
				return alerts, m.ID, nil
			}
			continue
		case r.IsAnomaly:
			metrics.DetectionsTotal.WithLabelValues(algo, "anomaly").Inc()
			alerts = append(alerts, c.buildAlert(m, samples[i], r, hist))
		default:
			metrics.DetectionsTotal.WithLabelValues(algo, "normal").Inc()
		}
	}
	return alerts, m.ID, nil
}

// score dispatches on the detector variant. Sequence models see value i as
// the last element of a window built from the preceding samples; values
// without enough history are skipped.
func (c *Coordinator) score(det Detector, values []float64, i int) (Result, error) {
	switch d := det.(type) {
	case *StatisticalDetector:
		return d.Detect(values[i]), nil
	case *IsolationForestDetector:
		prev := values[i]
		if i > 0 {
			prev = values[i-1]
		}
		return d.Detect(values[i], prev), nil
	case *SequenceDetector:
		n := d.Length()
		if i+1 < n {
			return Result{Reason: ReasonInsufficientData}, nil
		}
		return d.Detect(values[i+1-n : i+1])
	default:
		return Result{}, fmt.Errorf("unsupported detector %T", det)
	}
}

func (c *Coordinator) buildAlert(m *models.DetectionModel, s models.Sample, r Result, hist models.HistoricalStats) *models.AnomalyAlert {
	severity := models.SeverityForScore(r.Score)
	deviation := (s.Value - hist.Mean) / math.Max(hist.StdDev, minStdDev)

	alertType := models.AlertSpike
	switch {
	case m.Variant == models.VariantSequenceReconstruction:
		alertType = models.AlertPattern
	case r.Method == MethodIQR || r.Method == MethodModifiedZ:
		alertType = models.AlertOutlier
	case s.Value < hist.Mean:
		alertType = models.AlertDrop
	}

	return &models.AnomalyAlert{
		ID:         uuid.NewString(),
		Type:       alertType,
		DetectedAt: c.now(),
		Severity:   severity,
		Detection: models.AlertDetection{
			ModelID:   m.ID,
			Algorithm: m.Variant,
			Score:     r.Score,
			Threshold: r.Threshold,
		},
		Context: models.AlertContext{
			EntityID:        m.Scope.EntityID,
			EntityType:      m.Scope.EntityType,
			Metric:          m.TargetMetric,
			ObservedAt:      s.Timestamp,
			CurrentValue:    s.Value,
			ExpectedValue:   hist.Mean,
			Deviation:       deviation,
			HistoricalStats: hist,
		},
		Impact: models.AlertImpact{
			RiskLevel: severity,
			Urgency:   severity.Urgency(),
		},
		State: models.AlertDetected,
	}
}

// Baseline returns plain statistics over the last window samples of a metric.
func (c *Coordinator) Baseline(ctx context.Context, metric string, scope models.EntityScope, window int) (models.HistoricalStats, error) {
	if window <= 0 {
		window = c.cfg.DefaultWindowSize
	}
	samples, err := c.data.GetSamples(ctx, metric, scope, window)
	if err != nil {
		return models.HistoricalStats{}, fmt.Errorf("fetch samples: %w", err)
	}
	if len(samples) == 0 {
		return models.HistoricalStats{}, &models.InsufficientDataError{Op: "baseline " + metric, Need: 1, Got: 0}
	}
	return stats.Historical(models.Values(samples)), nil
}

// Acknowledge marks an alert as acknowledged.
func (c *Coordinator) Acknowledge(ctx context.Context, alertID, by string) (*models.AnomalyAlert, error) {
	a, err := c.loadAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if err := a.Acknowledge(by, c.now()); err != nil {
		return nil, err
	}
	if err := c.store.SaveAlert(ctx, a); err != nil {
		c.persistenceFailed("save_alert", a.ID, err)
	}
	if err := c.audit.LogAlertAcknowledged(ctx, a.ID, by); err != nil {
		c.logger.Warn("failed to audit acknowledgement", zap.String("alert_id", a.ID), zap.Error(err))
	}
	return a, nil
}

// Resolve closes an alert, optionally marking it as a false positive.
func (c *Coordinator) Resolve(ctx context.Context, alertID, resolution string, falsePositive bool) (*models.AnomalyAlert, error) {
	a, err := c.loadAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if err := a.Resolve(resolution, falsePositive, c.now()); err != nil {
		return nil, err
	}
	if err := c.store.SaveAlert(ctx, a); err != nil {
		c.persistenceFailed("save_alert", a.ID, err)
	}
	if err := c.audit.LogAlertResolved(ctx, a.ID, resolution, falsePositive); err != nil {
		c.logger.Warn("failed to audit resolution", zap.String("alert_id", a.ID), zap.Error(err))
	}
	return a, nil
}

// Alerts lists stored alerts.
func (c *Coordinator) Alerts(ctx context.Context, filter models.AlertFilter) ([]*models.AnomalyAlert, error) {
	if c.store == nil {
		return nil, nil
	}
	return c.store.ListAlerts(ctx, filter)
}

func (c *Coordinator) loadAlert(ctx context.Context, id string) (*models.AnomalyAlert, error) {
	if c.store == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	return c.store.GetAlert(ctx, id)
}

func (c *Coordinator) saveModel(ctx context.Context, m *models.DetectionModel) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveDetectionModel(ctx, m); err != nil {
		c.persistenceFailed("save_detection_model", m.ID, err)
	}
}

// persistenceFailed logs and counts a swallowed write failure.
func (c *Coordinator) persistenceFailed(op, id string, err error) {
	metrics.PersistenceErrors.WithLabelValues(op).Inc()
	perr := &models.PersistenceError{Op: op, Err: err}
	c.logger.Error("persistence write failed", zap.String("id", id), zap.Error(perr))
}

func sortFailures(f []models.BatchItemResult) {
	sort.Slice(f, func(i, j int) bool { return f[i].Target < f[j].Target })
}
