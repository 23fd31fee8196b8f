package audit

import (
	"context"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

type nopLogger struct{}

// NewNopLogger returns a Logger that discards every event. It is used when
// audit.enabled is false and in tests.
func NewNopLogger() Logger { return nopLogger{} }

func (nopLogger) Log(context.Context, *Event) error                            { return nil }
func (nopLogger) LogAlertDetected(context.Context, *models.AnomalyAlert) error { return nil }
func (nopLogger) LogAlertAcknowledged(context.Context, string, string) error   { return nil }
func (nopLogger) LogAlertResolved(context.Context, string, string, bool) error { return nil }
func (nopLogger) LogWorkflowRegistered(context.Context, *models.Workflow) error {
	return nil
}
func (nopLogger) LogWorkflowExecuted(context.Context, *models.WorkflowExecutionResult) error {
	return nil
}
func (nopLogger) LogWorkflowFailed(context.Context, string, string, error) error { return nil }
func (nopLogger) LogWorkflowStatusChanged(context.Context, string, models.WorkflowStatus, models.WorkflowStatus) error {
	return nil
}
func (nopLogger) LogActionProposed(context.Context, *models.Approval) error { return nil }
func (nopLogger) LogActionDecided(context.Context, *models.Approval) error  { return nil }
func (nopLogger) Sync() error                                               { return nil }
func (nopLogger) Close() error                                              { return nil }
