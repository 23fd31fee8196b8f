package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/gateway"
	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
	"github.com/kubilitics/kubilitics-optimizer/internal/telemetry"
)

var tracer = telemetry.Tracer("forecast")

const (
	maxHorizonDays = 365
	day            = 24 * time.Hour
)

// Config tunes the forecaster.
type Config struct {
	DefaultHorizonDays int
	// HistoryWindow is how many samples Forecast pulls from the gateway.
	HistoryWindow int
	// Seed makes the AR noise reproducible. Zero seeds from the clock.
	Seed int64
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{DefaultHorizonDays: 30, HistoryWindow: 365}
}

// Target names one series to forecast.
type Target struct {
	Metric string             `json:"metric"`
	Scope  models.EntityScope `json:"scope"`
}

// ID is the target_id reported on results.
func (t Target) ID() string {
	if t.Scope.IsZero() {
		return t.Metric
	}
	return t.Scope.Key() + ":" + t.Metric
}

// Forecaster produces ensemble forecasts from gateway history.
type Forecaster struct {
	cfg    Config
	data   gateway.DataGateway
	logger *zap.Logger
	now    func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

// NewForecaster creates a forecaster. data may be nil when only
// ForecastSeries is used.
func NewForecaster(cfg Config, data gateway.DataGateway, logger *zap.Logger) *Forecaster {
	def := DefaultConfig()
	if cfg.DefaultHorizonDays <= 0 {
		cfg.DefaultHorizonDays = def.DefaultHorizonDays
	}
	if cfg.HistoryWindow < MinHistory {
		cfg.HistoryWindow = def.HistoryWindow
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Forecaster{
		cfg:    cfg,
		data:   data,
		logger: logging.OrNop(logger).Named("forecaster"),
		now:    func() time.Time { return time.Now().UTC() },
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Forecast pulls the target's history and forecasts horizon days ahead.
// horizon 0 uses the configured default.
func (f *Forecaster) Forecast(ctx context.Context, target Target, horizon int) (*models.ForecastResult, error) {
	ctx, span := tracer.Start(ctx, "forecast.Forecast")
	defer span.End()
	span.SetAttributes(attribute.String("target", target.ID()), attribute.Int("horizon", horizon))

	if f.data == nil {
		return nil, errors.New("forecaster has no data gateway")
	}
	samples, err := f.data.GetSamples(ctx, target.Metric, target.Scope, f.cfg.HistoryWindow)
	if err != nil {
		metrics.ForecastsTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fetch history for %s: %w", target.ID(), err)
	}

	res, err := f.ForecastSeries(target.ID(), samples, horizon)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

// ForecastSeries forecasts directly from samples in ascending time order.
func (f *Forecaster) ForecastSeries(targetID string, history []models.Sample, horizon int) (*models.ForecastResult, error) {
	if horizon == 0 {
		horizon = f.cfg.DefaultHorizonDays
	}
	if horizon < 0 || horizon > maxHorizonDays {
		metrics.ForecastsTotal.WithLabelValues("error").Inc()
		return nil, &models.ValidationError{Field: "horizon_days", Message: fmt.Sprintf("must be between 1 and %d", maxHorizonDays)}
	}

	values := models.Values(history)
	if len(values) < MinHistory {
		metrics.ForecastsTotal.WithLabelValues("insufficient_data").Inc()
		return nil, &models.InsufficientDataError{Op: "forecast " + targetID, Need: MinHistory, Got: len(values)}
	}

	f.mu.Lock()
	full, err := predict(values, horizon, f.rng)
	var acc models.ForecastAccuracy
	if err == nil {
		acc = f.holdoutAccuracyLocked(values, full)
	}
	f.mu.Unlock()
	if err != nil {
		metrics.ForecastsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	start := history[len(history)-1].Timestamp
	if start.IsZero() {
		start = f.now()
	}

	points := make([]models.ForecastPoint, horizon)
	for h := range points {
		pred := full.blended[h]
		points[h] = models.ForecastPoint{
			Date:              start.Add(time.Duration(h+1) * day),
			Predicted:         pred,
			LowerBound:        math.Max(0, pred*(1-boundFraction)),
			UpperBound:        math.Max(0, pred*(1+boundFraction)),
			SeasonalComponent: full.seasonal[h],
			TrendComponent:    full.polynomial[h],
		}
	}

	dec := full.decomposition
	res := &models.ForecastResult{
		TargetID:    targetID,
		HorizonDays: horizon,
		GeneratedAt: f.now(),
		Points:      points,
		Accuracy:    acc,
		Components: &models.Components{
			Trend:    dec.Trend,
			Seasonal: dec.SeasonalSeries(),
			Residual: dec.Residual,
		},
	}

	metrics.ForecastsTotal.WithLabelValues("success").Inc()
	metrics.ForecastMAPE.WithLabelValues(targetID).Set(acc.MAPE)
	return res, nil
}

// holdoutAccuracyLocked refits without the last k points when enough history
// remains and scores the refit against them. Short series fall back to the
// full decomposition's trend plus seasonal fit for the same k days.
func (f *Forecaster) holdoutAccuracyLocked(values []float64, full *prediction) models.ForecastAccuracy {
	n := len(values)
	k := holdoutSize(n)
	actual := values[n-k:]

	if n-k >= MinHistory {
		refit, err := predict(values[:n-k], k, f.rng)
		if err == nil {
			return accuracy(actual, refit.blended)
		}
	}
	dec := full.decomposition
	fitted := make([]float64, 0, k)
	for i := n - k; i < n && i < len(dec.Trend); i++ {
		fitted = append(fitted, dec.Trend[i]+dec.Seasonal(i))
	}
	return accuracy(actual, fitted)
}

// ForecastBatch forecasts every target. Failures are reported per target and
// never abort the batch.
func (f *Forecaster) ForecastBatch(ctx context.Context, targets []Target, horizon int) ([]*models.ForecastResult, []models.BatchItemResult) {
	var (
		results  []*models.ForecastResult
		failures []models.BatchItemResult
	)
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			failures = append(failures, models.BatchItemResult{Target: t.ID(), Error: err.Error()})
			continue
		}
		res, err := f.Forecast(ctx, t, horizon)
		if err != nil {
			f.logger.Warn("forecast failed", zap.String("target", t.ID()), zap.Error(err))
			failures = append(failures, models.BatchItemResult{Target: t.ID(), Error: err.Error()})
			continue
		}
		results = append(results, res)
	}
	return results, failures
}
