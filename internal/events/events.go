// Package events carries typed notifications from the analytics and workflow
// engines to their consumers: an in-process bus with a bounded history, a
// websocket hub for dashboards and an optional redis mirror.
package events

import (
	"encoding/json"
	"time"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Kind names an event stream.
type Kind string

const (
	KindAnomaliesDetected      Kind = "anomalies_detected"
	KindWorkflowCompleted      Kind = "workflow_completed"
	KindWorkflowExecutionError Kind = "workflow_execution_error"
)

// Event is implemented by every typed event.
type Event interface {
	Kind() Kind
	OccurredAt() time.Time
}

// AnomaliesDetected is emitted once per detection pass that raised alerts.
type AnomaliesDetected struct {
	Alerts []*models.AnomalyAlert `json:"alerts"`
	At     time.Time              `json:"-"`
}

func (e *AnomaliesDetected) Kind() Kind            { return KindAnomaliesDetected }
func (e *AnomaliesDetected) OccurredAt() time.Time { return e.At }

// WorkflowCompleted is emitted after a workflow execution finished without a
// handler error. Result.Status may still be partial or failed.
type WorkflowCompleted struct {
	Workflow *models.Workflow                `json:"workflow"`
	Result   *models.WorkflowExecutionResult `json:"result"`
	At       time.Time                       `json:"-"`
}

func (e *WorkflowCompleted) Kind() Kind            { return KindWorkflowCompleted }
func (e *WorkflowCompleted) OccurredAt() time.Time { return e.At }

// WorkflowExecutionError is emitted when a handler returned an error.
type WorkflowExecutionError struct {
	WorkflowID  string
	ExecutionID string
	Err         error
	At          time.Time
}

func (e *WorkflowExecutionError) Kind() Kind            { return KindWorkflowExecutionError }
func (e *WorkflowExecutionError) OccurredAt() time.Time { return e.At }

// MarshalJSON renders the error as a string.
func (e *WorkflowExecutionError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(struct {
		WorkflowID  string `json:"workflow_id"`
		ExecutionID string `json:"execution_id,omitempty"`
		Error       string `json:"error"`
	}{e.WorkflowID, e.ExecutionID, msg})
}

// Envelope is the wire form used by the websocket hub, the redis mirror and
// the history endpoint.
type Envelope struct {
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    Event     `json:"payload"`
}

// Wrap builds the envelope for e.
func Wrap(e Event) Envelope {
	return Envelope{Kind: e.Kind(), OccurredAt: e.OccurredAt(), Payload: e}
}

// Encode marshals the envelope for e.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(Wrap(e))
}
