// Package anomaly scores metric samples with three interchangeable detectors
// and turns positive results into classified alerts.
//
// Detectors:
//
//  1. Statistical - z-score, IQR fences and modified z-score over a trailing
//     window. Any of the three tests flags the value.
//  2. Isolation forest - random partition trees over (value, first difference)
//     vectors. Short isolation paths mean anomalous.
//  3. Sequence reconstruction - smooths a fixed-length window and compares the
//     reconstruction error with the error distribution seen during training.
//     The smoother stands in for a trained autoencoder; it has no learned
//     parameters.
//
// The Coordinator owns one DetectionModel and detector per metric and scope.
package anomaly

import (
	"context"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Reasons a detector declines to score a value.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonNotTrained       = "not_trained"
)

// Methods reported in Result.Method.
const (
	MethodZScore         = "z_score"
	MethodIQR            = "iqr"
	MethodModifiedZ      = "modified_z"
	MethodIsolation      = "isolation_path"
	MethodReconstruction = "reconstruction_error"
)

// minTrainingSamples is the smallest window any detector trains on.
const minTrainingSamples = 10

// Result is the outcome of scoring one value or sequence.
type Result struct {
	IsAnomaly bool    `json:"is_anomaly"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	// Method names the strongest test that fired, or the only one the
	// detector runs.
	Method string `json:"method,omitempty"`
	// Reason is set when the detector declined to score.
	Reason string `json:"reason,omitempty"`
}

// Detector is the lifecycle shared by all variants. Scoring methods differ per
// variant and are dispatched by the coordinator.
type Detector interface {
	Variant() models.DetectionVariant
	Train(ctx context.Context, values []float64) error
	Trained() bool
	Statistics() models.TrainedStatistics
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
