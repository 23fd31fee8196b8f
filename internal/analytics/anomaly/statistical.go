package anomaly

import (
	"context"
	"math"
	"sync"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/stats"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

const (
	minStdDev       = 0.1
	iqrFenceFactor  = 1.5
	modifiedZFactor = 0.6745
	modifiedZCutoff = 3.5
	baseZThreshold  = 2.0
)

// StatisticalDetector flags values that fail a z-score, IQR or modified
// z-score test against a trailing window.
type StatisticalDetector struct {
	mu          sync.RWMutex
	windowSize  int
	sensitivity float64
	window      []float64
	summary     stats.Summary
}

// NewStatisticalDetector creates an untrained detector.
func NewStatisticalDetector(windowSize int, sensitivity float64) *StatisticalDetector {
	if windowSize < minTrainingSamples {
		windowSize = minTrainingSamples
	}
	return &StatisticalDetector{
		windowSize:  windowSize,
		sensitivity: clamp01(sensitivity),
	}
}

func (d *StatisticalDetector) Variant() models.DetectionVariant { return models.VariantStatistical }

// Train replaces the window with the last windowSize values.
func (d *StatisticalDetector) Train(ctx context.Context, values []float64) error {
	if len(values) < minTrainingSamples {
		return &models.InsufficientDataError{Op: "train statistical detector", Need: minTrainingSamples, Got: len(values)}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = d.window[:0]
	d.appendLocked(values)
	return nil
}

// Update appends new observations, trims the window and recomputes the
// statistics.
func (d *StatisticalDetector) Update(values ...float64) {
	if len(values) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appendLocked(values)
}

func (d *StatisticalDetector) appendLocked(values []float64) {
	d.window = append(d.window, values...)
	if extra := len(d.window) - d.windowSize; extra > 0 {
		d.window = append(d.window[:0:0], d.window[extra:]...)
	}
	d.summary = stats.Summarize(d.window)
}

// ZThreshold is the z-score cutoff for the configured sensitivity.
func (d *StatisticalDetector) ZThreshold() float64 {
	return baseZThreshold + d.sensitivity
}

// Detect scores v against the current window.
func (d *StatisticalDetector) Detect(v float64) Result {
	d.mu.RLock()
	s := d.summary
	d.mu.RUnlock()

	zt := d.ZThreshold()
	if s.Count < minTrainingSamples {
		return Result{Threshold: zt, Reason: ReasonInsufficientData}
	}

	z := math.Abs(v-s.Mean) / math.Max(s.StdDev, minStdDev)

	iqr := s.IQR()
	lower := s.Q1 - iqrFenceFactor*iqr
	upper := s.Q3 + iqrFenceFactor*iqr
	outsideFences := v < lower || v > upper

	mz := modifiedZFactor * math.Abs(v-s.Median) / math.Max(s.MAD, minStdDev)

	zRatio := z / zt
	mzRatio := mz / modifiedZCutoff

	r := Result{
		IsAnomaly: z > zt || outsideFences || mz > modifiedZCutoff,
		Score:     clamp01(math.Max(zRatio, mzRatio)),
		Threshold: zt,
	}
	switch {
	case z > zt:
		r.Method = MethodZScore
	case mz > modifiedZCutoff:
		r.Method = MethodModifiedZ
	case outsideFences:
		r.Method = MethodIQR
	}
	return r
}

func (d *StatisticalDetector) Trained() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.summary.Count >= minTrainingSamples
}

func (d *StatisticalDetector) Statistics() models.TrainedStatistics {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return models.TrainedStatistics{
		Mean:        d.summary.Mean,
		StdDev:      d.summary.StdDev,
		Median:      d.summary.Median,
		Q1:          d.summary.Q1,
		Q3:          d.summary.Q3,
		MAD:         d.summary.MAD,
		SampleCount: d.summary.Count,
	}
}
