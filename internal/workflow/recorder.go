package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// ActionRecorder collects what a handler did during one execution. It
// applies the workflow's automation gate and budget limit to every action,
// so handlers only describe actions and never decide their status. Actions
// recorded before a handler is cancelled are kept.
type ActionRecorder struct {
	workflowID  string
	executionID string
	automation  models.Automation
	budget      *float64
	now         func() time.Time

	mu              sync.Mutex
	actions         []models.WorkflowAction
	approvals       []*models.Approval
	recommendations []string
	processed       int
	committed       float64
}

func newRecorder(wf *models.Workflow, executionID string, now func() time.Time) *ActionRecorder {
	return &ActionRecorder{
		workflowID:  wf.ID,
		executionID: executionID,
		automation:  wf.Automation,
		budget:      wf.Constraints.BudgetLimit,
		now:         now,
	}
}

// Record gates a proposed action and returns the status it was given.
// Actions the handler already marked failed are kept as failed.
func (r *ActionRecorder) Record(a models.WorkflowAction) models.ActionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	switch {
	case a.Status == models.ActionFailed:
	case r.budget != nil && r.committed+a.Value > *r.budget:
		a.Status = models.ActionSkipped
	case r.automation.RequiresApproval(a.Value):
		a.Status = models.ActionPendingApproval
		r.committed += a.Value
		r.approvals = append(r.approvals, &models.Approval{
			ID:          uuid.NewString(),
			WorkflowID:  r.workflowID,
			ExecutionID: r.executionID,
			Action:      a,
			Status:      models.ApprovalPending,
			CreatedAt:   r.now(),
		})
	default:
		a.Status = models.ActionApplied
		r.committed += a.Value
	}
	r.actions = append(r.actions, a)
	return a.Status
}

// Recommend adds a human-readable recommendation to the result.
func (r *ActionRecorder) Recommend(msg string) {
	r.mu.Lock()
	r.recommendations = append(r.recommendations, msg)
	r.mu.Unlock()
}

// Processed counts n more items as handled.
func (r *ActionRecorder) Processed(n int) {
	r.mu.Lock()
	r.processed += n
	r.mu.Unlock()
}

// Actions returns a copy of the recorded actions.
func (r *ActionRecorder) Actions() []models.WorkflowAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.WorkflowAction(nil), r.actions...)
}

// result assembles the execution result. Savings only count for applied
// actions; pending ones are credited when approved.
func (r *ActionRecorder) result(status models.ExecutionStatus, started, finished time.Time) *models.WorkflowExecutionResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &models.WorkflowExecutionResult{
		WorkflowID:      r.workflowID,
		ExecutionID:     r.executionID,
		Status:          status,
		StartedAt:       started,
		FinishedAt:      finished,
		Actions:         append([]models.WorkflowAction{}, r.actions...),
		Recommendations: append([]string{}, r.recommendations...),
	}

	failed := 0
	for _, a := range r.actions {
		switch a.Status {
		case models.ActionApplied:
			res.Metrics.TotalCostSavings += a.Savings
		case models.ActionFailed:
			failed++
		}
	}
	res.Metrics.ItemsProcessed = r.processed
	res.Metrics.TimeToExecution = float64(finished.Sub(started)) / float64(time.Millisecond)
	res.Metrics.SuccessRate = 1
	if n := len(r.actions); n > 0 {
		res.Metrics.SuccessRate = float64(n-failed) / float64(n)
	}
	return res
}

func (r *ActionRecorder) pendingApprovals() []*models.Approval {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Approval(nil), r.approvals...)
}

func (r *ActionRecorder) hasFailedActions() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.actions {
		if a.Status == models.ActionFailed {
			return true
		}
	}
	return false
}
