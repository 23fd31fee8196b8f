package models

import (
	"fmt"
	"time"
)

// Severity classifies an anomaly alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SeverityForScore maps a normalised anomaly score to a severity. The mapping
// is non-decreasing in score.
func SeverityForScore(score float64) Severity {
	switch {
	case score > 0.9:
		return SeverityCritical
	case score > 0.7:
		return SeverityHigh
	case score > 0.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Urgency returns the response urgency associated with the severity.
func (s Severity) Urgency() string {
	switch s {
	case SeverityCritical:
		return "immediate"
	case SeverityHigh:
		return "high"
	case SeverityMedium:
		return "normal"
	default:
		return "low"
	}
}

// AlertType describes the shape of the anomaly.
type AlertType string

const (
	AlertSpike   AlertType = "spike"
	AlertDrop    AlertType = "drop"
	AlertOutlier AlertType = "outlier"
	AlertPattern AlertType = "pattern"
)

// AlertState is the lifecycle state of an alert.
type AlertState string

const (
	AlertDetected     AlertState = "detected"
	AlertAcknowledged AlertState = "acknowledged"
	AlertResolved     AlertState = "resolved"
)

// AlertDetection records which model raised the alert and how strongly.
type AlertDetection struct {
	ModelID   string           `json:"model_id"`
	Algorithm DetectionVariant `json:"algorithm"`
	Score     float64          `json:"score"`
	Threshold float64          `json:"threshold"`
}

// HistoricalStats is a plain mean/std snapshot of the metric's recent history,
// computed independently of any detector state.
type HistoricalStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Count  int     `json:"count"`
}

// AlertContext locates the anomaly and quantifies the deviation.
type AlertContext struct {
	EntityID        string          `json:"entity_id"`
	EntityType      string          `json:"entity_type"`
	Metric          string          `json:"metric"`
	ObservedAt      time.Time       `json:"observed_at"`
	CurrentValue    float64         `json:"current_value"`
	ExpectedValue   float64         `json:"expected_value"`
	Deviation       float64         `json:"deviation"`
	HistoricalStats HistoricalStats `json:"historical_stats"`
}

// AlertImpact summarises business impact.
type AlertImpact struct {
	RiskLevel Severity `json:"risk_level"`
	Urgency   string   `json:"urgency"`
}

// AnomalyAlert is created once by the coordinator; only its lifecycle fields
// change afterwards.
type AnomalyAlert struct {
	ID             string         `json:"id"`
	Type           AlertType      `json:"type"`
	DetectedAt     time.Time      `json:"detected_at"`
	Severity       Severity       `json:"severity"`
	Detection      AlertDetection `json:"detection"`
	Context        AlertContext   `json:"context"`
	Impact         AlertImpact    `json:"impact"`
	State          AlertState     `json:"state"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string         `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	Resolution     *string        `json:"resolution,omitempty"`
	FalsePositive  *bool          `json:"false_positive,omitempty"`
}

// Acknowledge moves a detected alert to acknowledged. The timestamp is never
// earlier than DetectedAt.
func (a *AnomalyAlert) Acknowledge(by string, at time.Time) error {
	if a.State != AlertDetected {
		return fmt.Errorf("%w: cannot acknowledge alert in state %s", ErrInvalidTransition, a.State)
	}
	if at.Before(a.DetectedAt) {
		at = a.DetectedAt
	}
	a.AcknowledgedAt = &at
	a.AcknowledgedBy = by
	a.State = AlertAcknowledged
	return nil
}

// Resolve closes the alert. Resolving straight from detected is allowed; the
// resolution time never precedes DetectedAt or AcknowledgedAt.
func (a *AnomalyAlert) Resolve(resolution string, falsePositive bool, at time.Time) error {
	if a.State == AlertResolved {
		return fmt.Errorf("%w: alert %s already resolved", ErrInvalidTransition, a.ID)
	}
	floor := a.DetectedAt
	if a.AcknowledgedAt != nil && a.AcknowledgedAt.After(floor) {
		floor = *a.AcknowledgedAt
	}
	if at.Before(floor) {
		at = floor
	}
	a.ResolvedAt = &at
	a.Resolution = &resolution
	a.FalsePositive = &falsePositive
	a.State = AlertResolved
	return nil
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	State    AlertState
	Severity Severity
	EntityID string
	Since    time.Time
	Limit    int
}
