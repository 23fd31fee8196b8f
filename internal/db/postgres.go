package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/gateway"
	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

var pgMigrations = []struct {
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
    ts_ns       BIGINT NOT NULL,
    value       DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (metric, entity_type, entity_id, ts_ns)
);

CREATE TABLE IF NOT EXISTS detection_models (
    id         TEXT PRIMARY KEY,
    metric     TEXT NOT NULL,
    status     TEXT NOT NULL,
    created_ns BIGINT NOT NULL,
    body       JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
    id          TEXT PRIMARY KEY,
    state       TEXT NOT NULL,
    severity    TEXT NOT NULL,
    entity_id   TEXT NOT NULL DEFAULT '',
    detected_ns BIGINT NOT NULL,
    body        JSONB NOT NULL
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
    version    BIGINT NOT NULL,
    status     TEXT NOT NULL,
    created_ns BIGINT NOT NULL,
    body       JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS executions (
    execution_id TEXT PRIMARY KEY,
    workflow_id  TEXT NOT NULL,
    started_ns   BIGINT NOT NULL,
    body         JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id, started_ns DESC);

CREATE TABLE IF NOT EXISTS approvals (
    id          TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL,
    status      TEXT NOT NULL,
    created_ns  BIGINT NOT NULL,
    body        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, created_ns);
`,
	},
}

// postgresStore implements gateway.Store on a pgx connection pool.
type postgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore connects to dsn, verifies the connection and applies
// pending migrations. maxConns <= 0 keeps the pgxpool default.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int, logger *zap.Logger) (gateway.Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &postgresStore{pool: pool, logger: logging.OrNop(logger).Named("postgres")}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_versions (
            version    INTEGER PRIMARY KEY,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range pgMigrations {
		var count int
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_versions WHERE version = $1`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		s.logger.Info("applying migration", zap.Int("version", m.version))
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_versions(version) VALUES($1) ON CONFLICT DO NOTHING`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *postgresStore) RecordSample(ctx context.Context, metric string, scope models.EntityScope, sample models.Sample) error {
	_, err := s.pool.Exec(ctx, rebind(upsertSampleSQL),
		metric, scope.EntityType, scope.EntityID, sample.Timestamp.UnixNano(), sample.Value)
	return wrap("record_sample", err)
}

func (s *postgresStore) GetSamples(ctx context.Context, metric string, scope models.EntityScope, window int) ([]models.Sample, error) {
	q, args := withLimit(selectSamplesSQL, []any{metric, scope.EntityType, scope.EntityID}, window)
	rows, err := s.pool.Query(ctx, rebind(q), args...)
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

func (s *postgresStore) SaveAlert(ctx context.Context, alert *models.AnomalyAlert) error {
	body, err := encode("save_alert", alert)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, rebind(upsertAlertSQL),
		alert.ID, string(alert.State), string(alert.Severity), alert.Context.EntityID,
		alert.DetectedAt.UnixNano(), body)
	return wrap("save_alert", err)
}

func (s *postgresStore) GetAlert(ctx context.Context, id string) (*models.AnomalyAlert, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, rebind(selectAlertSQL), id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrAlertNotFound, id)
	}
	if err != nil {
		return nil, wrap("get_alert", err)
	}
	return decode[models.AnomalyAlert]("get_alert", body)
}

func (s *postgresStore) ListAlerts(ctx context.Context, filter models.AlertFilter) ([]*models.AnomalyAlert, error) {
	q, args := alertListQuery(filter)
	return pgQueryBodies[models.AnomalyAlert](ctx, s.pool, "list_alerts", q, args...)
}

func (s *postgresStore) SaveWorkflow(ctx context.Context, wf *models.Workflow, expectedVersion int64) error {
	body, err := workflowRow(wf, expectedVersion)
	if err != nil {
		return err
	}

	var affected int64
	if expectedVersion == 0 {
		tag, err := s.pool.Exec(ctx, rebind(insertWorkflowSQL),
			wf.ID, int64(1), string(wf.Status), wf.CreatedAt.UnixNano(), body)
		if err != nil {
			return wrap("save_workflow", err)
		}
		affected = tag.RowsAffected()
	} else {
		tag, err := s.pool.Exec(ctx, rebind(updateWorkflowSQL),
			expectedVersion+1, string(wf.Status), body, wf.ID, expectedVersion)
		if err != nil {
			return wrap("save_workflow", err)
		}
		affected = tag.RowsAffected()
	}
	if affected == 0 {
		return versionConflict(wf.ID, expectedVersion)
	}
	wf.Version = expectedVersion + 1
	return nil
}

func (s *postgresStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	wf, err := scanWorkflow(s.pool.QueryRow(ctx, rebind(selectWorkflowSQL), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, wrap("get_workflow", err)
	}
	return wf, nil
}

func (s *postgresStore) ListWorkflows(ctx context.Context) ([]*models.Workflow, error) {
	rows, err := s.pool.Query(ctx, selectWorkflowsSQL)
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

func (s *postgresStore) AppendExecution(ctx context.Context, result *models.WorkflowExecutionResult) error {
	body, err := encode("append_execution", result)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, rebind(insertExecutionSQL),
		result.ExecutionID, result.WorkflowID, result.StartedAt.UnixNano(), body)
	return wrap("append_execution", err)
}

func (s *postgresStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]*models.WorkflowExecutionResult, error) {
	q, args := withLimit(selectExecutionsSQL, []any{workflowID}, limit)
	return pgQueryBodies[models.WorkflowExecutionResult](ctx, s.pool, "list_executions", q, args...)
}

func (s *postgresStore) SaveApproval(ctx context.Context, approval *models.Approval) error {
	body, err := encode("save_approval", approval)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, rebind(upsertApprovalSQL),
		approval.ID, approval.WorkflowID, string(approval.Status), approval.CreatedAt.UnixNano(), body)
	return wrap("save_approval", err)
}

func (s *postgresStore) ListApprovals(ctx context.Context, status models.ApprovalStatus) ([]*models.Approval, error) {
	q, args := approvalListQuery(status)
	return pgQueryBodies[models.Approval](ctx, s.pool, "list_approvals", q, args...)
}

func (s *postgresStore) SaveDetectionModel(ctx context.Context, model *models.DetectionModel) error {
	body, err := encode("save_detection_model", model)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, rebind(upsertModelSQL),
		model.ID, model.TargetMetric, string(model.Status), model.CreatedAt.UnixNano(), body)
	return wrap("save_detection_model", err)
}

func (s *postgresStore) ListDetectionModels(ctx context.Context) ([]*models.DetectionModel, error) {
	return pgQueryBodies[models.DetectionModel](ctx, s.pool, "list_detection_models", selectModelsSQL)
}

func pgQueryBodies[T any](ctx context.Context, pool *pgxpool.Pool, op, q string, args ...any) ([]*T, error) {
	rows, err := pool.Query(ctx, rebind(q), args...)
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
