package forecast

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func daily(values []float64) []models.Sample {
	out := make([]models.Sample, len(values))
	for i, v := range values {
		out[i] = models.Sample{Timestamp: start.Add(time.Duration(i) * day), Value: v}
	}
	return out
}

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

type memData map[string][]models.Sample

func (m memData) GetSamples(ctx context.Context, metric string, scope models.EntityScope, window int) ([]models.Sample, error) {
	s, ok := m[metric]
	if !ok {
		return nil, errors.New("unknown metric")
	}
	if len(s) > window {
		s = s[len(s)-window:]
	}
	return s, nil
}

func (m memData) RecordSample(ctx context.Context, metric string, scope models.EntityScope, s models.Sample) error {
	m[metric] = append(m[metric], s)
	return nil
}

func TestDecompose(t *testing.T) {
	_, err := Decompose(constant(13, 1), 7)
	var ide *models.InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, 14, ide.Need)
	assert.Equal(t, 13, ide.Got)

	weekly := []float64{1, 1, 1, 1, 1, -2.5, -2.5}
	values := make([]float64, 70)
	for i := range values {
		values[i] = 100 + weekly[i%7]
	}
	dec, err := Decompose(values, 7)
	require.NoError(t, err)
	require.Len(t, dec.Trend, 70)
	require.Len(t, dec.Pattern, 7)

	// Interior trend points average a whole week.
	for i := 3; i < 67; i++ {
		assert.InDelta(t, 100.0, dec.Trend[i], 1e-9, "trend[%d]", i)
	}
	assert.Greater(t, dec.Pattern[0], 0.0)
	assert.Less(t, dec.Pattern[5], 0.0)
	for i, v := range values {
		assert.InDelta(t, v, dec.Trend[i]+dec.Seasonal(i)+dec.Residual[i], 1e-9)
	}
}

func TestForecastConstantSeries(t *testing.T) {
	f := NewForecaster(Config{Seed: 1}, nil, nil)
	res, err := f.ForecastSeries("orders", daily(constant(30, 10)), 14)
	require.NoError(t, err)

	require.Len(t, res.Points, 14)
	assert.Equal(t, 14, res.HorizonDays)
	for i, p := range res.Points {
		assert.InDelta(t, 10.0, p.Predicted, 0.5, "point %d", i)
		assert.InDelta(t, 8.0, p.LowerBound, 0.5)
		assert.InDelta(t, 12.0, p.UpperBound, 0.5)
		assert.Equal(t, start.Add(time.Duration(29+i+1)*day), p.Date)
	}
	assert.InDelta(t, 0.0, res.Accuracy.MAPE, 1e-6)
	assert.InDelta(t, 0.0, res.Accuracy.RMSE, 1e-6)
	require.NotNil(t, res.Components)
	assert.Len(t, res.Components.Trend, 30)
}

func TestForecastLinearTrend(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 5 + 2*float64(i)
	}
	f := NewForecaster(Config{Seed: 3}, nil, nil)
	res, err := f.ForecastSeries("cost", daily(values), 7)
	require.NoError(t, err)

	for h, p := range res.Points {
		assert.InDelta(t, 5+2*float64(60+h), p.TrendComponent, 1e-6)
		assert.GreaterOrEqual(t, p.Predicted, 0.0)
		assert.LessOrEqual(t, p.LowerBound, p.Predicted)
		assert.GreaterOrEqual(t, p.UpperBound, p.Predicted)
	}
	// Forecast keeps rising with the trend.
	assert.Greater(t, res.Points[6].Predicted, values[0])
}

func TestForecastClampsAtZero(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = math.Max(0, 60-3*float64(i))
	}
	f := NewForecaster(Config{Seed: 5}, nil, nil)
	res, err := f.ForecastSeries("stock", daily(values), 30)
	require.NoError(t, err)
	for _, p := range res.Points {
		assert.GreaterOrEqual(t, p.Predicted, 0.0)
		assert.GreaterOrEqual(t, p.LowerBound, 0.0)
	}
}

func TestForecastIsDeterministicWithSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	values := make([]float64, 90)
	for i := range values {
		values[i] = 50 + 10*math.Sin(float64(i)*2*math.Pi/7) + rng.NormFloat64()
	}

	a, err := NewForecaster(Config{Seed: 42}, nil, nil).ForecastSeries("x", daily(values), 10)
	require.NoError(t, err)
	b, err := NewForecaster(Config{Seed: 42}, nil, nil).ForecastSeries("x", daily(values), 10)
	require.NoError(t, err)
	for i := range a.Points {
		assert.Equal(t, a.Points[i].Predicted, b.Points[i].Predicted)
	}
	assert.Equal(t, a.Accuracy, b.Accuracy)
}

func TestForecastValidation(t *testing.T) {
	f := NewForecaster(DefaultConfig(), nil, nil)

	_, err := f.ForecastSeries("x", daily(constant(10, 1)), 5)
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	_, err = f.ForecastSeries("x", daily(constant(20, 1)), 400)
	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "horizon_days", ve.Field)

	res, err := f.ForecastSeries("x", daily(constant(20, 1)), 0)
	require.NoError(t, err)
	assert.Equal(t, 30, res.HorizonDays)
}

func TestForecastBatch(t *testing.T) {
	data := memData{
		"demand": daily(constant(40, 12)),
		"short":  daily(constant(5, 12)),
	}
	f := NewForecaster(Config{Seed: 2}, data, nil)

	scope := models.EntityScope{EntityID: "sku-1", EntityType: "item"}
	results, failures := f.ForecastBatch(context.Background(), []Target{
		{Metric: "demand", Scope: scope},
		{Metric: "short"},
		{Metric: "missing"},
	}, 7)

	require.Len(t, results, 1)
	assert.Equal(t, "item/sku-1:demand", results[0].TargetID)
	require.Len(t, failures, 2)
	assert.Equal(t, "short", failures[0].Target)
	assert.Contains(t, failures[0].Error, "insufficient")
	assert.Equal(t, "missing", failures[1].Target)
}

func TestHoldoutSize(t *testing.T) {
	tests := []struct{ n, want int }{
		{3, 1},
		{14, 2},
		{20, 4},
		{35, 7},
		{400, 7},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, holdoutSize(tt.n), "n=%d", tt.n)
	}
}

func TestAccuracySkipsZeroActuals(t *testing.T) {
	acc := accuracy([]float64{0, 10, 20}, []float64{1, 11, 18})
	assert.InDelta(t, 100*(0.1+0.1)/2, acc.MAPE, 1e-9)
	assert.InDelta(t, (1.0+1+2)/3, acc.MAE, 1e-9)
	assert.InDelta(t, math.Sqrt((1.0+1+4)/3), acc.RMSE, 1e-9)
}

func TestHoldoutAccuracyShortSeriesUsesMatchingDays(t *testing.T) {
	values := constant(15, 10)
	dec, err := Decompose(values, DefaultPeriod)
	require.NoError(t, err)

	f := NewForecaster(Config{Seed: 1}, memData{}, nil)
	// A one-day horizon far from the history must not leak into the score.
	acc := f.holdoutAccuracyLocked(values, &prediction{decomposition: dec, blended: []float64{1e6}})
	assert.InDelta(t, 0, acc.MAE, 1e-9)
	assert.InDelta(t, 0, acc.MAPE, 1e-9)
}
