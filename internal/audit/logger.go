package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Alert lifecycle
	LogAlertDetected(ctx context.Context, alert *models.AnomalyAlert) error
	LogAlertAcknowledged(ctx context.Context, alertID, by string) error
	LogAlertResolved(ctx context.Context, alertID, resolution string, falsePositive bool) error

	// Workflow lifecycle
	LogWorkflowRegistered(ctx context.Context, wf *models.Workflow) error
	LogWorkflowExecuted(ctx context.Context, result *models.WorkflowExecutionResult) error
	LogWorkflowFailed(ctx context.Context, workflowID, executionID string, err error) error
	LogWorkflowStatusChanged(ctx context.Context, workflowID string, from, to models.WorkflowStatus) error

	// Action approvals
	LogActionProposed(ctx context.Context, approval *models.Approval) error
	LogActionDecided(ctx context.Context, approval *models.Approval) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
	}
}

const bufferLimit = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger. appLogger receives marshalling
// failures; the audit stream itself always goes to a rotated file.
func NewLogger(config *Config, appLogger *zap.Logger) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.AuditLogPath == "" {
		return nil, fmt.Errorf("audit log path is required")
	}

	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(logging.EncoderConfig()),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel, // Audit logs are always INFO level
	)

	logger := &auditLogger{
		appLogger:   logging.OrNop(appLogger).Named("audit"),
		auditLogger: zap.New(auditCore),
		config:      config,
		buffer:      make([]*Event, 0, bufferLimit),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= bufferLimit {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

func (l *auditLogger) LogAlertDetected(ctx context.Context, alert *models.AnomalyAlert) error {
	event := NewEvent(EventAlertDetected).
		WithCorrelationID(alert.ID).
		WithResource(alert.Context.Metric, alert.Context.EntityType).
		WithResult(ResultSuccess).
		WithMetadata("entity_id", alert.Context.EntityID).
		WithMetadata("severity", string(alert.Severity)).
		WithMetadata("score", alert.Detection.Score).
		WithMetadata("model_id", alert.Detection.ModelID).
		WithDescription(fmt.Sprintf("%s %s detected on %s", alert.Severity, alert.Type, alert.Context.Metric))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogAlertAcknowledged(ctx context.Context, alertID, by string) error {
	event := NewEvent(EventAlertAcknowledged).
		WithCorrelationID(alertID).
		WithUser(by).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Alert %s acknowledged by %s", alertID, by))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogAlertResolved(ctx context.Context, alertID, resolution string, falsePositive bool) error {
	event := NewEvent(EventAlertResolved).
		WithCorrelationID(alertID).
		WithResult(ResultSuccess).
		WithMetadata("false_positive", falsePositive).
		WithDescription(fmt.Sprintf("Alert %s resolved: %s", alertID, resolution))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogWorkflowRegistered(ctx context.Context, wf *models.Workflow) error {
	event := NewEvent(EventWorkflowRegistered).
		WithCorrelationID(wf.ID).
		WithResource(wf.Name, string(wf.Type)).
		WithResult(ResultSuccess).
		WithMetadata("trigger", string(wf.Trigger.Kind)).
		WithMetadata("automation", string(wf.Automation.Level)).
		WithDescription(fmt.Sprintf("Workflow %s registered", wf.Name))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogWorkflowExecuted(ctx context.Context, result *models.WorkflowExecutionResult) error {
	event := NewEvent(EventWorkflowExecuted).
		WithCorrelationID(result.ExecutionID).
		WithResource(result.WorkflowID, "workflow").
		WithResult(ResultSuccess).
		WithDuration(result.FinishedAt.Sub(result.StartedAt)).
		WithMetadata("status", string(result.Status)).
		WithMetadata("actions", len(result.Actions)).
		WithMetadata("cost_savings", result.Metrics.TotalCostSavings).
		WithDescription(result.String())

	return l.Log(ctx, event)
}

func (l *auditLogger) LogWorkflowFailed(ctx context.Context, workflowID, executionID string, err error) error {
	event := NewEvent(EventWorkflowFailed).
		WithCorrelationID(executionID).
		WithResource(workflowID, "workflow").
		WithError(err, "workflow_execution_error").
		WithDescription(fmt.Sprintf("Workflow %s failed", workflowID))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogWorkflowStatusChanged(ctx context.Context, workflowID string, from, to models.WorkflowStatus) error {
	event := NewEvent(EventWorkflowStatusChanged).
		WithCorrelationID(workflowID).
		WithResource(workflowID, "workflow").
		WithResult(ResultSuccess).
		WithMetadata("from", string(from)).
		WithMetadata("to", string(to)).
		WithDescription(fmt.Sprintf("Workflow %s moved from %s to %s", workflowID, from, to))

	return l.Log(ctx, event)
}

func (l *auditLogger) LogActionProposed(ctx context.Context, approval *models.Approval) error {
	event := NewEvent(EventActionProposed).
		WithCorrelationID(approval.ExecutionID).
		WithAction(approval.Action.Kind).
		WithResource(approval.Action.Target, approval.WorkflowID).
		WithResult(ResultPending).
		WithMetadata("approval_id", approval.ID).
		WithMetadata("value", approval.Action.Value).
		WithDescription(approval.Action.Description)

	return l.Log(ctx, event)
}

func (l *auditLogger) LogActionDecided(ctx context.Context, approval *models.Approval) error {
	eventType, result := EventActionApproved, ResultSuccess
	if approval.Status == models.ApprovalRejected {
		eventType, result = EventActionRejected, ResultDenied
	}
	event := NewEvent(eventType).
		WithCorrelationID(approval.ExecutionID).
		WithAction(approval.Action.Kind).
		WithResource(approval.Action.Target, approval.WorkflowID).
		WithUser(approval.ResolvedBy).
		WithResult(result).
		WithMetadata("approval_id", approval.ID).
		WithDescription(fmt.Sprintf("Action %s on %s %s by %s", approval.Action.Kind, approval.Action.Target, approval.Status, approval.ResolvedBy))

	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	return l.auditLogger.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
