package forecast

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/stats"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Ensemble weights and the fixed autoregressive shape. The AR coefficients
// are not fitted.
const (
	weightPolynomial = 0.4
	weightSeasonal   = 0.3
	weightAR         = 0.3

	arOrder       = 3
	arCoefficient = 0.3
	arNoiseScale  = 0.1

	boundFraction = 0.2
	maxHoldout    = 7
)

// prediction is the per-method output of one fit.
type prediction struct {
	decomposition *Decomposition
	polynomial    []float64
	seasonal      []float64
	ar            []float64
	blended       []float64
}

// predict fits the three methods on values and forecasts horizon steps.
func predict(values []float64, horizon int, rng *rand.Rand) (*prediction, error) {
	dec, err := Decompose(values, DefaultPeriod)
	if err != nil {
		return nil, err
	}

	p := &prediction{
		decomposition: dec,
		polynomial:    linearTrend(values, horizon),
		seasonal:      seasonalRepeat(dec, horizon),
		ar:            trendAR(dec, horizon, rng),
		blended:       make([]float64, horizon),
	}
	for h := range p.blended {
		v := weightPolynomial*p.polynomial[h] + weightSeasonal*p.seasonal[h] + weightAR*p.ar[h]
		p.blended[h] = math.Max(0, v)
	}
	return p, nil
}

// linearTrend extrapolates an OLS line fitted over the index.
func linearTrend(values []float64, horizon int) []float64 {
	n := len(values)
	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}
	alpha, beta := stat.LinearRegression(x, values, nil, false)

	out := make([]float64, horizon)
	for h := range out {
		out[h] = alpha + beta*float64(n+h)
	}
	return out
}

// seasonalRepeat continues the last trend level plus the seasonal offset.
func seasonalRepeat(dec *Decomposition, horizon int) []float64 {
	n := len(dec.Trend)
	level := dec.Trend[n-1]
	out := make([]float64, horizon)
	for h := range out {
		out[h] = level + dec.Seasonal(n+h)
	}
	return out
}

// trendAR recursively extends the trend component with fixed coefficients
// around its mean, adding noise scaled to the residual spread.
func trendAR(dec *Decomposition, horizon int, rng *rand.Rand) []float64 {
	mu := stats.Mean(dec.Trend)
	sigma := arNoiseScale * stats.StdDev(dec.Residual)

	work := make([]float64, len(dec.Trend), len(dec.Trend)+horizon)
	copy(work, dec.Trend)
	out := make([]float64, horizon)
	for h := range out {
		next := mu
		for i := 1; i <= arOrder; i++ {
			next += arCoefficient * (work[len(work)-i] - mu)
		}
		if sigma > 0 {
			next += rng.NormFloat64() * sigma
		}
		work = append(work, next)
		out[h] = next
	}
	return out
}

// holdoutSize is max(1, min(7, ⌊0.2·n⌋)).
func holdoutSize(n int) int {
	return max(1, min(maxHoldout, n/5))
}

// accuracy scores predicted against actual. MAPE skips zero actuals and is
// expressed in percent.
func accuracy(actual, predicted []float64) models.ForecastAccuracy {
	n := min(len(actual), len(predicted))
	if n == 0 {
		return models.ForecastAccuracy{}
	}
	var sumAbs, sumSq, sumPct float64
	pctCount := 0
	for i := 0; i < n; i++ {
		diff := actual[i] - predicted[i]
		sumAbs += math.Abs(diff)
		sumSq += diff * diff
		if actual[i] != 0 {
			sumPct += math.Abs(diff / actual[i])
			pctCount++
		}
	}
	acc := models.ForecastAccuracy{
		RMSE: math.Sqrt(sumSq / float64(n)),
		MAE:  sumAbs / float64(n),
	}
	if pctCount > 0 {
		acc.MAPE = 100 * sumPct / float64(pctCount)
	}
	return acc
}
