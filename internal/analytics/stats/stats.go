// Package stats holds the descriptive statistics shared by the detectors and
// the forecaster. Moments come from gonum; quantiles use the inclusive
// linear-interpolation definition (position p·(n−1)).
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Mean returns the arithmetic mean, or 0 for an empty slice.
func Mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

// StdDev returns the population standard deviation, or 0 for fewer than two
// values.
func StdDev(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	_, std := stat.PopMeanStdDev(x, nil)
	return std
}

// Sorted returns a sorted copy of x.
func Sorted(x []float64) []float64 {
	s := make([]float64, len(x))
	copy(s, x)
	sort.Float64s(s)
	return s
}

// QuantileSorted returns the p-quantile of already sorted data.
func QuantileSorted(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n == 1:
		return sorted[0]
	}
	p = math.Max(0, math.Min(1, p))
	pos := p * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Quantile returns the p-quantile of x.
func Quantile(x []float64, p float64) float64 {
	return QuantileSorted(Sorted(x), p)
}

// Median returns the 0.5 quantile.
func Median(x []float64) float64 {
	return Quantile(x, 0.5)
}

// MAD returns the median absolute deviation around the median.
func MAD(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	med := Median(x)
	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - med)
	}
	return Median(dev)
}

// Summary is the full set of robust and moment statistics over a window.
type Summary struct {
	Mean   float64
	StdDev float64
	Median float64
	Q1     float64
	Q3     float64
	MAD    float64
	Min    float64
	Max    float64
	Count  int
}

// IQR returns Q3−Q1.
func (s Summary) IQR() float64 { return s.Q3 - s.Q1 }

// Summarize computes every statistic in one pass over a sorted copy.
func Summarize(x []float64) Summary {
	if len(x) == 0 {
		return Summary{}
	}
	sorted := Sorted(x)
	s := Summary{
		Mean:   Mean(x),
		StdDev: StdDev(x),
		Median: QuantileSorted(sorted, 0.5),
		Q1:     QuantileSorted(sorted, 0.25),
		Q3:     QuantileSorted(sorted, 0.75),
		MAD:    MAD(x),
		Min:    floats.Min(x),
		Max:    floats.Max(x),
		Count:  len(x),
	}
	return s
}

// Historical returns the plain mean/std snapshot attached to alerts.
func Historical(x []float64) models.HistoricalStats {
	if len(x) == 0 {
		return models.HistoricalStats{}
	}
	return models.HistoricalStats{
		Mean:   Mean(x),
		StdDev: StdDev(x),
		Min:    floats.Min(x),
		Max:    floats.Max(x),
		Count:  len(x),
	}
}

// Diff returns first differences, with 0 for the first element.
func Diff(x []float64) []float64 {
	out := make([]float64, len(x))
	for i := 1; i < len(x); i++ {
		out[i] = x[i] - x[i-1]
	}
	return out
}

// RMSE is the root mean squared difference of two equal-length slices.
func RMSE(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	d := make([]float64, len(a))
	floats.SubTo(d, a, b)
	return floats.Norm(d, 2) / math.Sqrt(float64(len(d)))
}
