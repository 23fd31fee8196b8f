package models

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match them with errors.Is; the detail-carrying
// types below unwrap to the matching sentinel.
var (
	ErrInsufficientData        = errors.New("insufficient data")
	ErrInvalidSequenceLength   = errors.New("invalid sequence length")
	ErrUnsupportedWorkflowType = errors.New("unsupported workflow type")
	ErrWorkflowNotFound        = errors.New("workflow not found")
	ErrAlertNotFound           = errors.New("alert not found")
	ErrModelNotFound           = errors.New("detection model not found")
	ErrApprovalNotFound        = errors.New("approval not found")
	ErrPersistence             = errors.New("persistence error")
	ErrDetectionCompute        = errors.New("detection compute error")
	ErrNotTrained              = errors.New("detector not trained")
	ErrInvalidWeights          = errors.New("invalid criterion weights")
	ErrInvalidWorkflow         = errors.New("invalid workflow")
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrExecutionInProgress     = errors.New("workflow execution already in progress")
	ErrVersionConflict         = errors.New("version conflict")
)

// InsufficientDataError reports how many samples an operation needed.
type InsufficientDataError struct {
	Op   string
	Need int
	Got  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: insufficient data: need at least %d samples, got %d", e.Op, e.Need, e.Got)
}

func (e *InsufficientDataError) Unwrap() error { return ErrInsufficientData }

// InvalidSequenceLengthError is returned when a sequence detector receives a
// window of the wrong length.
type InvalidSequenceLengthError struct {
	Want int
	Got  int
}

func (e *InvalidSequenceLengthError) Error() string {
	return fmt.Sprintf("invalid sequence length: want %d, got %d", e.Want, e.Got)
}

func (e *InvalidSequenceLengthError) Unwrap() error { return ErrInvalidSequenceLength }

// PersistenceError wraps a failed storage write or read.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the underlying driver error.
func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// DetectionComputeError wraps a failure inside a detector for one target.
type DetectionComputeError struct {
	ModelID string
	Err     error
}

func (e *DetectionComputeError) Error() string {
	return fmt.Sprintf("detection failed for model %s: %v", e.ModelID, e.Err)
}

func (e *DetectionComputeError) Unwrap() []error { return []error{ErrDetectionCompute, e.Err} }

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
