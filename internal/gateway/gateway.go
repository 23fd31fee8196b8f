// Package gateway declares the storage boundaries of the optimizer. The
// analytics and workflow packages depend only on these interfaces; internal/db
// provides the SQLite and PostgreSQL implementations.
package gateway

import (
	"context"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// DataGateway reads and records metric samples.
type DataGateway interface {
	// GetSamples returns at most window of the most recent samples for the
	// metric and scope, in ascending timestamp order.
	GetSamples(ctx context.Context, metric string, scope models.EntityScope, window int) ([]models.Sample, error)

	// RecordSample appends one observation.
	RecordSample(ctx context.Context, metric string, scope models.EntityScope, sample models.Sample) error
}

// AlertStore persists anomaly alerts.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert *models.AnomalyAlert) error
	GetAlert(ctx context.Context, id string) (*models.AnomalyAlert, error)
	ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.AnomalyAlert, error)
}

// WorkflowStore persists workflow definitions and their execution history.
type WorkflowStore interface {
	// SaveWorkflow inserts or updates a workflow. When the stored row's version
	// differs from expectedVersion it returns models.ErrVersionConflict.
	// expectedVersion 0 means "must not exist yet". On success wf.Version is
	// expectedVersion+1.
	SaveWorkflow(ctx context.Context, wf *models.Workflow, expectedVersion int64) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	ListWorkflows(ctx context.Context) ([]*models.Workflow, error)

	AppendExecution(ctx context.Context, result *models.WorkflowExecutionResult) error
	// ListExecutions returns the newest executions first.
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecutionResult, error)

	SaveApproval(ctx context.Context, approval *models.Approval) error
	ListApprovals(ctx context.Context, status models.ApprovalStatus) ([]*models.Approval, error)
}

// ModelStore persists detection model definitions and trained statistics.
type ModelStore interface {
	SaveDetectionModel(ctx context.Context, model *models.DetectionModel) error
	ListDetectionModels(ctx context.Context) ([]*models.DetectionModel, error)
}

// PersistenceGateway is the full write side used by the coordinator and the
// workflow engine.
type PersistenceGateway interface {
	AlertStore
	WorkflowStore
	ModelStore
}

// Store is everything a backing database provides.
type Store interface {
	DataGateway
	PersistenceGateway

	// Ping checks connectivity for readiness probes.
	Ping(ctx context.Context) error
	Close() error
}
