package anomaly

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/stats"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

const (
	defaultSequenceLength = 10
	reconstructionNoise   = 0.01
	minErrorThreshold     = 1e-9
)

// SequenceDetector compares the reconstruction error of a fixed-length window
// with the error distribution observed during training. Reconstruction is a
// three-point moving average plus a little Gaussian noise, an approximation
// of a trained autoencoder with no learned weights.
type SequenceDetector struct {
	length      int
	sensitivity float64

	mu        sync.Mutex
	rng       *rand.Rand
	trained   bool
	meanError float64
	stdError  float64
	summary   stats.Summary
}

// NewSequenceDetector creates an untrained detector for windows of the given
// length. seed 0 seeds from the clock.
func NewSequenceDetector(length int, sensitivity float64, seed int64) *SequenceDetector {
	if length < 3 {
		length = defaultSequenceLength
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SequenceDetector{
		length:      length,
		sensitivity: clamp01(sensitivity),
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (d *SequenceDetector) Variant() models.DetectionVariant {
	return models.VariantSequenceReconstruction
}

// Length is the exact window length Detect accepts.
func (d *SequenceDetector) Length() int { return d.length }

// Train slides a window over values with stride one and records the mean and
// standard deviation of the reconstruction errors.
func (d *SequenceDetector) Train(ctx context.Context, values []float64) error {
	need := d.length + minTrainingSamples
	if len(values) < need {
		return &models.InsufficientDataError{Op: "train sequence detector", Need: need, Got: len(values)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	errs := make([]float64, 0, len(values)-d.length+1)
	for i := 0; i+d.length <= len(values); i++ {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		errs = append(errs, d.reconstructionErrorLocked(values[i:i+d.length]))
	}

	d.meanError = stats.Mean(errs)
	d.stdError = stats.StdDev(errs)
	d.summary = stats.Summarize(values)
	d.trained = true
	return nil
}

// Threshold returns the current error threshold, or 0 before training.
func (d *SequenceDetector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thresholdLocked()
}

func (d *SequenceDetector) thresholdLocked() float64 {
	if !d.trained {
		return 0
	}
	return math.Max(d.meanError+(2+2*d.sensitivity)*d.stdError, minErrorThreshold)
}

// Detect scores one window. The window must have exactly Length() values.
func (d *SequenceDetector) Detect(sequence []float64) (Result, error) {
	if len(sequence) != d.length {
		return Result{}, &models.InvalidSequenceLengthError{Want: d.length, Got: len(sequence)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.trained {
		return Result{Reason: ReasonNotTrained}, nil
	}

	threshold := d.thresholdLocked()
	e := d.reconstructionErrorLocked(sequence)
	return Result{
		IsAnomaly: e > threshold,
		Score:     math.Min(1, e/threshold),
		Threshold: threshold,
		Method:    MethodReconstruction,
	}, nil
}

// reconstructionErrorLocked returns the RMSE between seq and its smoothed
// reconstruction.
func (d *SequenceDetector) reconstructionErrorLocked(seq []float64) float64 {
	sigma := reconstructionNoise * stats.StdDev(seq)
	rec := make([]float64, len(seq))
	for i := range seq {
		lo := max(0, i-1)
		hi := min(len(seq)-1, i+1)
		rec[i] = stats.Mean(seq[lo:hi+1]) + d.rng.NormFloat64()*sigma
	}
	return stats.RMSE(seq, rec)
}

func (d *SequenceDetector) Trained() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trained
}

func (d *SequenceDetector) Statistics() models.TrainedStatistics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return models.TrainedStatistics{
		Mean:        d.summary.Mean,
		StdDev:      d.summary.StdDev,
		Median:      d.summary.Median,
		Q1:          d.summary.Q1,
		Q3:          d.summary.Q3,
		MAD:         d.summary.MAD,
		SampleCount: d.summary.Count,
		MeanError:   d.meanError,
		StdError:    d.stdError,
	}
}
