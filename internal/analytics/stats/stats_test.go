package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeanAndStdDev(t *testing.T) {
	x := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.InDelta(t, 5.0, Mean(x), 1e-12)
	assert.InDelta(t, 2.0, StdDev(x), 1e-12, "population std")

	assert.Equal(t, 0.0, Mean(nil))
	assert.Equal(t, 0.0, StdDev([]float64{3}))
}

func TestQuantile(t *testing.T) {
	tests := []struct {
		name string
		x    []float64
		p    float64
		want float64
	}{
		{"median odd", []float64{3, 1, 2}, 0.5, 2},
		{"median even", []float64{1, 2, 3, 4}, 0.5, 2.5},
		{"q1 interpolated", []float64{1, 2, 3, 4, 5}, 0.25, 2},
		{"q3 interpolated", []float64{1, 2, 3, 4}, 0.75, 3.25},
		{"single", []float64{7}, 0.9, 7},
		{"empty", nil, 0.5, 0},
		{"clamped", []float64{1, 2}, 1.5, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Quantile(tt.x, tt.p), 1e-12)
		})
	}
}

func TestQuantileDoesNotMutateInput(t *testing.T) {
	x := []float64{5, 1, 3}
	_ = Median(x)
	assert.Equal(t, []float64{5, 1, 3}, x)
}

func TestMAD(t *testing.T) {
	// median 3, deviations 2,1,0,1,97 -> median 1
	assert.InDelta(t, 1.0, MAD([]float64{1, 2, 3, 4, 100}), 1e-12)
}

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{1, 2, 3, 4, 5, 6, 7, 8, 9})
	assert.Equal(t, 9, s.Count)
	assert.InDelta(t, 5, s.Mean, 1e-12)
	assert.InDelta(t, 5, s.Median, 1e-12)
	assert.InDelta(t, 3, s.Q1, 1e-12)
	assert.InDelta(t, 7, s.Q3, 1e-12)
	assert.InDelta(t, 4, s.IQR(), 1e-12)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 9.0, s.Max)
	assert.InDelta(t, math.Sqrt(60.0/9.0), s.StdDev, 1e-12)
}

func TestDiffAndRMSE(t *testing.T) {
	assert.Equal(t, []float64{0, 1, 3}, Diff([]float64{1, 2, 5}))
	assert.InDelta(t, math.Sqrt(2.5), RMSE([]float64{1, 2}, []float64{2, 4}), 1e-12)
	assert.Equal(t, 0.0, RMSE([]float64{1}, []float64{1, 2}))
}

func TestHistorical(t *testing.T) {
	h := Historical([]float64{10, 20, 30})
	assert.Equal(t, 3, h.Count)
	assert.InDelta(t, 20, h.Mean, 1e-12)
	assert.Equal(t, 10.0, h.Min)
	assert.Equal(t, 30.0, h.Max)
}
