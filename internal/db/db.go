// Package db implements the gateway interfaces on SQLite (modernc, no CGO)
// and PostgreSQL (pgx). Both backends share the same schema shape: nested
// structs are stored as JSON bodies next to the few columns used for
// filtering and ordering. Timestamps used for ordering are unix nanoseconds.
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/gateway"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Options selects and configures a backend.
type Options struct {
	Type        string // sqlite | postgres
	SQLitePath  string
	PostgresURL string
	MaxConns    int
}

// Open returns the store selected by opts.Type.
func Open(ctx context.Context, opts Options, logger *zap.Logger) (gateway.Store, error) {
	switch opts.Type {
	case "", "sqlite":
		return NewSQLiteStore(opts.SQLitePath)
	case "postgres":
		return NewPostgresStore(ctx, opts.PostgresURL, opts.MaxConns, logger)
	default:
		return nil, fmt.Errorf("unsupported database type %q", opts.Type)
	}
}

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// Shared statements, written with "?" placeholders. The PostgreSQL store
// rewrites them with rebind.
const (
	upsertSampleSQL = `
        INSERT INTO samples(metric, entity_type, entity_id, ts_ns, value)
        VALUES(?,?,?,?,?)
        ON CONFLICT(metric, entity_type, entity_id, ts_ns) DO UPDATE SET value = excluded.value`

	selectSamplesSQL = `
        SELECT ts_ns, value FROM samples
        WHERE metric = ? AND entity_type = ? AND entity_id = ?
        ORDER BY ts_ns DESC`

	upsertAlertSQL = `
        INSERT INTO alerts(id, state, severity, entity_id, detected_ns, body)
        VALUES(?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            state    = excluded.state,
            severity = excluded.severity,
            body     = excluded.body`

	selectAlertSQL = `SELECT body FROM alerts WHERE id = ?`

	insertWorkflowSQL = `
        INSERT INTO workflows(id, version, status, created_ns, body)
        VALUES(?,?,?,?,?)
        ON CONFLICT(id) DO NOTHING`

	updateWorkflowSQL = `
        UPDATE workflows SET version = ?, status = ?, body = ?
        WHERE id = ? AND version = ?`

	selectWorkflowSQL = `SELECT version, body FROM workflows WHERE id = ?`

	selectWorkflowsSQL = `SELECT version, body FROM workflows ORDER BY created_ns ASC, id ASC`

	insertExecutionSQL = `
        INSERT INTO executions(execution_id, workflow_id, started_ns, body)
        VALUES(?,?,?,?)`

	selectExecutionsSQL = `
        SELECT body FROM executions WHERE workflow_id = ?
        ORDER BY started_ns DESC, execution_id DESC`

	upsertApprovalSQL = `
        INSERT INTO approvals(id, workflow_id, status, created_ns, body)
        VALUES(?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            body   = excluded.body`

	upsertModelSQL = `
        INSERT INTO detection_models(id, metric, status, created_ns, body)
        VALUES(?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            status = excluded.status,
            body   = excluded.body`

	selectModelsSQL = `SELECT body FROM detection_models ORDER BY created_ns ASC, id ASC`
)

// rebind turns "?" placeholders into PostgreSQL's "$n" form.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// alertListQuery builds the filtered alert listing, newest first.
func alertListQuery(f models.AlertFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if !f.Since.IsZero() {
		where = append(where, "detected_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}

	q := "SELECT body FROM alerts"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY detected_ns DESC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return q, args
}

func approvalListQuery(status models.ApprovalStatus) (string, []any) {
	if status == "" {
		return "SELECT body FROM approvals ORDER BY created_ns ASC, id ASC", nil
	}
	return "SELECT body FROM approvals WHERE status = ? ORDER BY created_ns ASC, id ASC", []any{string(status)}
}

func withLimit(q string, args []any, limit int) (string, []any) {
	if limit <= 0 {
		return q, args
	}
	return q + " LIMIT ?", append(args, limit)
}

func encode(op string, v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &models.PersistenceError{Op: op, Err: fmt.Errorf("encode: %w", err)}
	}
	return b, nil
}

func decode[T any](op string, body []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, &models.PersistenceError{Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	return &v, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &models.PersistenceError{Op: op, Err: err}
}

func scanSample(row rowScanner) (models.Sample, error) {
	var (
		ns int64
		s  models.Sample
	)
	if err := row.Scan(&ns, &s.Value); err != nil {
		return s, err
	}
	s.Timestamp = time.Unix(0, ns).UTC()
	return s, nil
}

// reverse flips a newest-first slice to ascending order.
func reverse(samples []models.Sample) {
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
}

// workflowRow encodes wf as it will look after a successful save.
func workflowRow(wf *models.Workflow, expectedVersion int64) ([]byte, error) {
	saved := *wf
	saved.Version = expectedVersion + 1
	return encode("save_workflow", &saved)
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		version int64
		body    []byte
	)
	if err := row.Scan(&version, &body); err != nil {
		return nil, err
	}
	wf, err := decode[models.Workflow]("get_workflow", body)
	if err != nil {
		return nil, err
	}
	wf.Version = version
	return wf, nil
}

func versionConflict(id string, expected int64) error {
	return fmt.Errorf("%w: workflow %s expected version %d", models.ErrVersionConflict, id, expected)
}
