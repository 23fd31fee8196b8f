// Package forecast decomposes metric history into trend, seasonal and
// residual parts and blends three simple forecasts into one prediction.
package forecast

import (
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/stats"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

const (
	// DefaultPeriod is the weekly season of daily data.
	DefaultPeriod = 7
	// MinHistory is the shortest series that can be decomposed.
	MinHistory = 14

	trendHalfWindow = 3
)

// Decomposition splits a series additively: value = trend + seasonal + residual.
type Decomposition struct {
	Period int
	Trend  []float64
	// Pattern holds one seasonal offset per position in the period.
	Pattern  []float64
	Residual []float64
}

// Seasonal returns the seasonal offset for index i.
func (d *Decomposition) Seasonal(i int) float64 {
	return d.Pattern[i%d.Period]
}

// SeasonalSeries expands Pattern over the decomposed range.
func (d *Decomposition) SeasonalSeries() []float64 {
	out := make([]float64, len(d.Trend))
	for i := range out {
		out[i] = d.Seasonal(i)
	}
	return out
}

// Decompose computes a centred moving-average trend (window 7, shrinking at
// the edges), a seasonal pattern averaged by index mod period, and the
// residual.
func Decompose(values []float64, period int) (*Decomposition, error) {
	if period <= 0 {
		period = DefaultPeriod
	}
	n := len(values)
	if n < MinHistory {
		return nil, &models.InsufficientDataError{Op: "decompose series", Need: MinHistory, Got: n}
	}

	trend := make([]float64, n)
	for i := range values {
		lo := max(0, i-trendHalfWindow)
		hi := min(n, i+trendHalfWindow+1)
		trend[i] = stats.Mean(values[lo:hi])
	}

	sums := make([]float64, period)
	counts := make([]int, period)
	for i, v := range values {
		sums[i%period] += v - trend[i]
		counts[i%period]++
	}
	pattern := make([]float64, period)
	for k := range pattern {
		if counts[k] > 0 {
			pattern[k] = sums[k] / float64(counts[k])
		}
	}

	residual := make([]float64, n)
	for i, v := range values {
		residual[i] = v - trend[i] - pattern[i%period]
	}

	return &Decomposition{Period: period, Trend: trend, Pattern: pattern, Residual: residual}, nil
}
