package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-optimizer/internal/gateway"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// migrations defines the optimizer schema.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS samples (
    metric      TEXT NOT NULL,
    entity_type TEXT NOT NULL DEFAULT '',
    entity_id   TEXT NOT NULL DEFAULT '',
    ts_ns       INTEGER NOT NULL,
    value       REAL NOT NULL,
    PRIMARY KEY (metric, entity_type, entity_id, ts_ns)
);

CREATE TABLE IF NOT EXISTS detection_models (
    id         TEXT PRIMARY KEY,
    metric     TEXT NOT NULL,
    status     TEXT NOT NULL,
    created_ns INTEGER NOT NULL,
    body       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
    id          TEXT PRIMARY KEY,
    state       TEXT NOT NULL,
    severity    TEXT NOT NULL,
    entity_id   TEXT NOT NULL DEFAULT '',
    detected_ns INTEGER NOT NULL,
    body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_detected ON alerts(detected_ns DESC);
CREATE INDEX IF NOT EXISTS idx_alerts_state    ON alerts(state);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS workflows (
    id         TEXT PRIMARY KEY,
    version    INTEGER NOT NULL,
    status     TEXT NOT NULL,
    created_ns INTEGER NOT NULL,
    body       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    execution_id TEXT PRIMARY KEY,
    workflow_id  TEXT NOT NULL,
    started_ns   INTEGER NOT NULL,
    body         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id, started_ns DESC);

CREATE TABLE IF NOT EXISTS approvals (
    id          TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    status      TEXT NOT NULL,
    created_ns  INTEGER NOT NULL,
    body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, created_ns);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of gateway.Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (gateway.Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Samples ──────────────────────────────────────────────────────────────────

func (s *sqliteStore) RecordSample(ctx context.Context, metric string, scope models.EntityScope, sample models.Sample) error {
	_, err := s.db.ExecContext(ctx, upsertSampleSQL,
		metric, scope.EntityType, scope.EntityID, sample.Timestamp.UnixNano(), sample.Value)
	return wrap("record_sample", err)
}

func (s *sqliteStore) GetSamples(ctx context.Context, metric string, scope models.EntityScope, window int) ([]models.Sample, error) {
	q, args := withLimit(selectSamplesSQL, []any{metric, scope.EntityType, scope.EntityID}, window)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("get_samples", err)
	}
	defer rows.Close()

	var out []models.Sample
	for rows.Next() {
		sm, err := scanSample(rows)
		if err != nil {
			return nil, wrap("get_samples", err)
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("get_samples", err)
	}
	reverse(out)
	return out, nil
}

// ─── Alerts ───────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveAlert(ctx context.Context, alert *models.AnomalyAlert) error {
	body, err := encode("save_alert", alert)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertAlertSQL,
		alert.ID, string(alert.State), string(alert.Severity), alert.Context.EntityID,
		alert.DetectedAt.UnixNano(), body)
	return wrap("save_alert", err)
}

func (s *sqliteStore) GetAlert(ctx context.Context, id string) (*models.AnomalyAlert, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, selectAlertSQL, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, wrap("get_alert", err)
	}
	return decode[models.AnomalyAlert]("get_alert", body)
}

func (s *sqliteStore) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.AnomalyAlert, error) {
	q, args := alertListQuery(filter)
	return queryBodies[models.AnomalyAlert](ctx, s.db, "list_alerts", q, args...)
}

// ─── Workflows ────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveWorkflow(ctx context.Context, wf *models.Workflow, expectedVersion int64) error {
	body, err := workflowRow(wf, expectedVersion)
	if err != nil {
		return err
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, insertWorkflowSQL,
			wf.ID, int64(1), string(wf.Status), wf.CreatedAt.UnixNano(), body)
	} else {
		res, err = s.db.ExecContext(ctx, updateWorkflowSQL,
			expectedVersion+1, string(wf.Status), body, wf.ID, expectedVersion)
	}
	if err != nil {
		return wrap("save_workflow", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("save_workflow", err)
	}
	if n == 0 {
		return versionConflict(wf.ID, expectedVersion)
	}
	wf.Version = expectedVersion + 1
	return nil
}

func (s *sqliteStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx, selectWorkflowSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, wrap("get_workflow", err)
	}
	return wf, nil
}

func (s *sqliteStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, selectWorkflowsSQL)
	if err != nil {
		return nil, wrap("list_workflows", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, wrap("list_workflows", err)
		}
		out = append(out, wf)
	}
	return out, wrap("list_workflows", rows.Err())
}

func (s *sqliteStore) AppendExecution(ctx context.Context, result *models.WorkflowExecutionResult) error {
	body, err := encode("append_execution", result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, insertExecutionSQL,
		result.ExecutionID, result.WorkflowID, result.StartedAt.UnixNano(), body)
	return wrap("append_execution", err)
}

func (s *sqliteStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecutionResult, error) {
	q, args := withLimit(selectExecutionsSQL, []any{workflowID}, limit)
	return queryBodies[models.WorkflowExecutionResult](ctx, s.db, "list_executions", q, args...)
}

func (s *sqliteStore) SaveApproval(ctx context.Context, approval *models.Approval) error {
	body, err := encode("save_approval", approval)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertApprovalSQL,
		approval.ID, approval.WorkflowID, string(approval.Status), approval.CreatedAt.UnixNano(), body)
	return wrap("save_approval", err)
}

func (s *sqliteStore) ListApprovals(ctx context.Context, status models.ApprovalStatus) ([]*models.Approval, error) {
	q, args := approvalListQuery(status)
	return queryBodies[models.Approval](ctx, s.db, "list_approvals", q, args...)
}

// ─── Detection models ─────────────────────────────────────────────────────────

func (s *sqliteStore) SaveDetectionModel(ctx context.Context, model *models.DetectionModel) error {
	body, err := encode("save_detection_model", model)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertModelSQL,
		model.ID, model.TargetMetric, string(model.Status), model.CreatedAt.UnixNano(), body)
	return wrap("save_detection_model", err)
}

func (s *sqliteStore) ListDetectionModels(ctx context.Context) ([]*models.DetectionModel, error) {
	return queryBodies[models.DetectionModel](ctx, s.db, "list_detection_models", selectModelsSQL)
}

// queryBodies runs a single-column JSON body query and decodes every row.
func queryBodies[T any](ctx context.Context, db *sql.DB, op, q string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, wrap(op, err)
		}
		v, err := decode[T](op, body)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}
