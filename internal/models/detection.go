package models

import (
	"fmt"
	"time"
)

// DetectionVariant selects the anomaly detection algorithm backing a model.
type DetectionVariant string

const (
	VariantStatistical            DetectionVariant = "statistical"
	VariantIsolationForest        DetectionVariant = "isolation_forest"
	VariantSequenceReconstruction DetectionVariant = "sequence_reconstruction"
)

// Valid reports whether v is a known variant.
func (v DetectionVariant) Valid() bool {
	switch v {
	case VariantStatistical, VariantIsolationForest, VariantSequenceReconstruction:
		return true
	}
	return false
}

// ModelStatus is the lifecycle state of a detection model.
type ModelStatus string

const (
	ModelActive   ModelStatus = "active"
	ModelTraining ModelStatus = "training"
	ModelInactive ModelStatus = "inactive"
)

// TrainedStatistics is the serialisable snapshot of what a detector learned.
// Fields that do not apply to a variant stay zero.
type TrainedStatistics struct {
	Mean        float64 `json:"mean"`
	StdDev      float64 `json:"std_dev"`
	Median      float64 `json:"median"`
	Q1          float64 `json:"q1"`
	Q3          float64 `json:"q3"`
	MAD         float64 `json:"mad"`
	SampleCount int     `json:"sample_count"`
	MeanError   float64 `json:"mean_error,omitempty"`
	StdError    float64 `json:"std_error,omitempty"`
	Trees       int     `json:"trees,omitempty"`
}

// DetectionModel binds a detector variant to one metric. A nil Sensitivity
// means the coordinator default.
type DetectionModel struct {
	ID                string            `json:"id"`
	Variant           DetectionVariant  `json:"variant"`
	TargetMetric      string            `json:"target_metric"`
	Scope             EntityScope       `json:"scope"`
	Sensitivity       *float64          `json:"sensitivity,omitempty"`
	WindowSize        int               `json:"window_size"`
	TrainedStatistics TrainedStatistics `json:"trained_statistics"`
	Status            ModelStatus       `json:"status"`
	TrainedAt         *time.Time        `json:"trained_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Validate checks the model definition before registration.
func (m *DetectionModel) Validate() error {
	if !m.Variant.Valid() {
		return &ValidationError{Field: "variant", Message: fmt.Sprintf("unknown variant %q", m.Variant)}
	}
	if m.TargetMetric == "" {
		return &ValidationError{Field: "target_metric", Message: "required"}
	}
	if m.Sensitivity != nil && (*m.Sensitivity < 0 || *m.Sensitivity > 1) {
		return &ValidationError{Field: "sensitivity", Message: "must be between 0 and 1"}
	}
	if m.WindowSize < 0 {
		return &ValidationError{Field: "window_size", Message: "must not be negative"}
	}
	return nil
}

// SensitivityOr returns the model's sensitivity, or def when none is set.
func (m *DetectionModel) SensitivityOr(def float64) float64 {
	if m.Sensitivity == nil {
		return def
	}
	return *m.Sensitivity
}
