// Package models defines the core data types shared by the detectors, the
// forecaster, the decision ranker and the workflow engine.
//
// Every type here has a stable JSON shape: the same structs are stored as JSON
// columns by the persistence layer and served by the HTTP facade.
package models

import "time"

// Sample is a single time-indexed observation of a metric.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// EntityScope narrows a metric to one entity (an item, a supplier, a site).
// An empty scope means the metric is global.
type EntityScope struct {
	EntityID   string `json:"entity_id,omitempty" yaml:"entity_id,omitempty"`
	EntityType string `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`
}

// IsZero reports whether the scope is unset.
func (s EntityScope) IsZero() bool {
	return s.EntityID == "" && s.EntityType == ""
}

// Key returns a stable map key for the scope.
func (s EntityScope) Key() string {
	return s.EntityType + "/" + s.EntityID
}

// Values extracts the raw values from samples, preserving order.
func Values(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Value
	}
	return out
}

// BatchItemResult records the outcome of one target inside a batch operation.
// Failed items are reported here instead of aborting the batch.
type BatchItemResult struct {
	Target string `json:"target"`
	Error  string `json:"error,omitempty"`
}

// Duration is a time.Duration that marshals to JSON and YAML as a Go
// duration string ("90s", "5m").
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}
