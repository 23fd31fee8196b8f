package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// frequencyAliases are the named frequencies accepted next to cron
// expressions.
var frequencyAliases = map[string]string{
	"hourly":        "@hourly",
	"every_6_hours": "0 */6 * * *",
	"daily":         "@daily",
	"weekly":        "@weekly",
}

// ParseFrequency parses a schedule trigger's frequency: a named alias, a
// standard five-field cron expression or a descriptor such as "@every 5m".
func ParseFrequency(freq string) (cron.Schedule, error) {
	freq = strings.TrimSpace(freq)
	if freq == "" {
		return nil, &models.ValidationError{Field: "trigger.frequency", Message: "required for schedule triggers"}
	}
	if alias, ok := frequencyAliases[strings.ToLower(freq)]; ok {
		freq = alias
	}
	s, err := cron.ParseStandard(freq)
	if err != nil {
		return nil, &models.ValidationError{Field: "trigger.frequency", Message: err.Error()}
	}
	return s, nil
}

// Executor runs a workflow by ID.
type Executor interface {
	Execute(ctx context.Context, workflowID string, scope models.EntityScope) (*models.WorkflowExecutionResult, error)
}

// StatusReporter is told when a workflow gains or loses a schedule entry.
type StatusReporter interface {
	SetScheduled(workflowID string, scheduled bool)
}

// ScheduledEntry describes one scheduled workflow.
type ScheduledEntry struct {
	WorkflowID string    `json:"workflow_id"`
	Frequency  string    `json:"frequency"`
	Next       time.Time `json:"next"`
	Prev       time.Time `json:"prev,omitempty"`
}

// Scheduler fires schedule-triggered workflows with robfig/cron. Every entry
// is wrapped so a panic is recovered and a tick is skipped while the previous
// one still runs. A failing tick is logged and never removes the entry.
type Scheduler struct {
	cron     *cron.Cron
	exec     Executor
	reporter StatusReporter
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]scheduled
}

type scheduled struct {
	id        cron.EntryID
	frequency string
}

// NewScheduler creates a stopped scheduler evaluating schedules in loc.
func NewScheduler(exec Executor, loc *time.Location, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger = logging.OrNop(logger).Named("scheduler")
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		exec:    exec,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]scheduled),
	}
}

// SetReporter installs r; existing entries are reported immediately.
func (s *Scheduler) SetReporter(r StatusReporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporter = r
	for id := range s.entries {
		r.SetScheduled(id, true)
	}
}

// Schedule adds or replaces the entry for wf.
func (s *Scheduler) Schedule(wf *models.Workflow) error {
	if wf.Trigger.Kind != models.TriggerSchedule {
		return fmt.Errorf("%w: workflow %s is not schedule-triggered", models.ErrInvalidWorkflow, wf.ID)
	}
	spec, err := ParseFrequency(wf.Trigger.Frequency)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[wf.ID]; ok {
		s.cron.Remove(old.id)
	}
	id := s.cron.Schedule(spec, s.job(wf.ID))
	s.entries[wf.ID] = scheduled{id: id, frequency: wf.Trigger.Frequency}
	if s.reporter != nil {
		s.reporter.SetScheduled(wf.ID, true)
	}
	s.logger.Info("workflow scheduled", zap.String("workflow_id", wf.ID), zap.String("frequency", wf.Trigger.Frequency))
	return nil
}

// Unschedule removes the entry for workflowID, if any.
func (s *Scheduler) Unschedule(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.entries[workflowID]
	if !ok {
		return
	}
	s.cron.Remove(old.id)
	delete(s.entries, workflowID)
	if s.reporter != nil {
		s.reporter.SetScheduled(workflowID, false)
	}
	s.logger.Info("workflow unscheduled", zap.String("workflow_id", workflowID))
}

// Entries lists scheduled workflows ordered by ID.
func (s *Scheduler) Entries() []ScheduledEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduledEntry, 0, len(s.entries))
	for wfID, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, ScheduledEntry{WorkflowID: wfID, Frequency: e.frequency, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out
}

// Start begins firing entries in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops firing new ticks and waits for running ones. If ctx expires
// first, running executions are cancelled and ctx.Err() is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Scheduler) job(workflowID string) cron.FuncJob {
	return func() {
		res, err := s.exec.Execute(s.ctx, workflowID, models.EntityScope{})
		switch {
		case errors.Is(err, models.ErrExecutionInProgress):
			metrics.WorkflowSkippedTicks.WithLabelValues(workflowID).Inc()
			s.logger.Info("skipping tick, previous execution still running", zap.String("workflow_id", workflowID))
		case errors.Is(err, models.ErrInvalidWorkflow):
			s.logger.Debug("skipping tick for inactive workflow", zap.String("workflow_id", workflowID), zap.Error(err))
		case err != nil:
			s.logger.Warn("scheduled execution failed", zap.String("workflow_id", workflowID), zap.Error(err))
		default:
			s.logger.Debug("scheduled execution finished",
				zap.String("workflow_id", workflowID),
				zap.String("status", string(res.Status)))
		}
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
