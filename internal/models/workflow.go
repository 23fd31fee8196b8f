package models

import (
	"fmt"
	"time"
)

// WorkflowType selects the handler that executes a workflow.
type WorkflowType string

const (
	WorkflowInventoryReordering WorkflowType = "inventory_reordering"
	WorkflowSupplierSelection   WorkflowType = "supplier_selection"
	WorkflowCostOptimization    WorkflowType = "cost_optimization"
)

// Valid reports whether t is a known workflow type.
func (t WorkflowType) Valid() bool {
	switch t {
	case WorkflowInventoryReordering, WorkflowSupplierSelection, WorkflowCostOptimization:
		return true
	}
	return false
}

// TriggerKind says what fires a workflow.
type TriggerKind string

const (
	TriggerSchedule  TriggerKind = "schedule"
	TriggerThreshold TriggerKind = "threshold"
	TriggerEvent     TriggerKind = "event"
	TriggerManual    TriggerKind = "manual"
)

// Trigger describes when a workflow runs. Only the fields relevant to Kind
// are used.
type Trigger struct {
	Kind TriggerKind `json:"kind" yaml:"kind"`
	// Frequency is a cron expression or alias for schedule triggers.
	Frequency string  `json:"frequency,omitempty" yaml:"frequency,omitempty"`
	Metric    string  `json:"metric,omitempty" yaml:"metric,omitempty"`
	Threshold float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	// Direction is "above" (default) or "below".
	Direction string `json:"direction,omitempty" yaml:"direction,omitempty"`
	EventName string `json:"event_name,omitempty" yaml:"event_name,omitempty"`
}

// Fires reports whether value satisfies a threshold trigger.
func (t Trigger) Fires(value float64) bool {
	if t.Direction == "below" {
		return value < t.Threshold
	}
	return value > t.Threshold
}

// AutomationLevel controls how much a workflow may do without a human.
type AutomationLevel string

const (
	FullyAutomated   AutomationLevel = "fully_automated"
	SemiAutomated    AutomationLevel = "semi_automated"
	ApprovalRequired AutomationLevel = "approval_required"
)

// Automation configures approval gating.
type Automation struct {
	Level AutomationLevel `json:"level" yaml:"level"`
	// ApprovalThreshold is the action value above which a semi-automated
	// workflow needs approval.
	ApprovalThreshold *float64 `json:"approval_threshold,omitempty" yaml:"approval_threshold,omitempty"`
}

// RequiresApproval reports whether an action of the given value must wait for
// approval under this automation level.
func (a Automation) RequiresApproval(value float64) bool {
	switch a.Level {
	case ApprovalRequired:
		return true
	case SemiAutomated:
		return a.ApprovalThreshold != nil && value > *a.ApprovalThreshold
	default:
		return false
	}
}

// Constraints bound a single execution.
type Constraints struct {
	BudgetLimit *float64  `json:"budget_limit,omitempty" yaml:"budget_limit,omitempty"`
	TimeLimit   *Duration `json:"time_limit,omitempty" yaml:"time_limit,omitempty"`
}

// Performance holds rolling execution statistics. Only the workflow engine
// mutates it.
type Performance struct {
	ExecutionCount int     `json:"execution_count"`
	SuccessRate    float64 `json:"success_rate"`
	// AvgExecutionTime is in milliseconds.
	AvgExecutionTime float64    `json:"avg_execution_time"`
	CostSavings      float64    `json:"cost_savings"`
	ErrorCount       int        `json:"error_count"`
	LastExecution    *time.Time `json:"last_execution,omitempty"`
}

// Record folds one execution into the statistics. A failed execution counts
// towards ExecutionCount and ErrorCount; savings are only added on success.
func (p *Performance) Record(duration time.Duration, savings float64, failed bool, now time.Time) {
	p.ExecutionCount++
	ms := float64(duration) / float64(time.Millisecond)
	p.AvgExecutionTime += (ms - p.AvgExecutionTime) / float64(p.ExecutionCount)
	if failed {
		p.ErrorCount++
	} else {
		p.CostSavings += savings
	}
	p.SuccessRate = float64(p.ExecutionCount-p.ErrorCount) / float64(p.ExecutionCount)
	p.LastExecution = &now
}

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowActive    WorkflowStatus = "active"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// InventoryItem is one stock-keeping unit watched by a reordering workflow.
type InventoryItem struct {
	SKU          string  `json:"sku" yaml:"sku"`
	Name         string  `json:"name,omitempty" yaml:"name,omitempty"`
	CurrentStock float64 `json:"current_stock" yaml:"current_stock"`
	LeadTimeDays int     `json:"lead_time_days" yaml:"lead_time_days"`
	SafetyStock  float64 `json:"safety_stock" yaml:"safety_stock"`
	UnitCost     float64 `json:"unit_cost" yaml:"unit_cost"`
	// StockoutCost is the estimated loss per unit of unmet demand.
	StockoutCost float64 `json:"stockout_cost" yaml:"stockout_cost"`
}

// Candidate is a ranked alternative: a supplier or a remediation option.
type Candidate struct {
	ID       string             `json:"id" yaml:"id"`
	Name     string             `json:"name" yaml:"name"`
	Scores   map[string]float64 `json:"scores" yaml:"scores"`
	UnitCost float64            `json:"unit_cost,omitempty" yaml:"unit_cost,omitempty"`
	Savings  float64            `json:"estimated_savings,omitempty" yaml:"estimated_savings,omitempty"`
}

// WorkflowParameters carries the inputs each handler needs.
type WorkflowParameters struct {
	Items           []InventoryItem `json:"items,omitempty" yaml:"items,omitempty"`
	DemandMetric    string          `json:"demand_metric,omitempty" yaml:"demand_metric,omitempty"`
	Candidates      []Candidate     `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	Criteria        []Criterion     `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	CurrentUnitCost float64         `json:"current_unit_cost,omitempty" yaml:"current_unit_cost,omitempty"`
	Volume          float64         `json:"volume,omitempty" yaml:"volume,omitempty"`
	CostMetric      string          `json:"cost_metric,omitempty" yaml:"cost_metric,omitempty"`
	HorizonDays     int             `json:"horizon_days,omitempty" yaml:"horizon_days,omitempty"`
}

// Workflow is an operator-defined optimisation run.
type Workflow struct {
	ID          string             `json:"id" yaml:"id"`
	Name        string             `json:"name" yaml:"name"`
	Type        WorkflowType       `json:"type" yaml:"type"`
	Trigger     Trigger            `json:"trigger" yaml:"trigger"`
	Automation  Automation         `json:"automation" yaml:"automation"`
	Constraints Constraints        `json:"constraints" yaml:"constraints"`
	Scope       EntityScope        `json:"scope" yaml:"scope"`
	Parameters  WorkflowParameters `json:"parameters" yaml:"parameters"`
	OneShot     bool               `json:"one_shot,omitempty" yaml:"one_shot,omitempty"`
	Performance Performance        `json:"performance" yaml:"-"`
	Status      WorkflowStatus     `json:"status" yaml:"-"`
	// Version increases on every save and backs optimistic concurrency.
	Version   int64     `json:"version" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Clone returns a deep copy suitable for handing to another goroutine.
func (w *Workflow) Clone() *Workflow {
	c := *w
	if w.Performance.LastExecution != nil {
		t := *w.Performance.LastExecution
		c.Performance.LastExecution = &t
	}
	c.Parameters.Items = append([]InventoryItem(nil), w.Parameters.Items...)
	c.Parameters.Candidates = append([]Candidate(nil), w.Parameters.Candidates...)
	c.Parameters.Criteria = append([]Criterion(nil), w.Parameters.Criteria...)
	return &c
}

// ActionStatus is the outcome of a single workflow action.
type ActionStatus string

const (
	ActionApplied         ActionStatus = "applied"
	ActionPendingApproval ActionStatus = "pending_approval"
	ActionSkipped         ActionStatus = "skipped"
	ActionFailed          ActionStatus = "failed"
	ActionRejected        ActionStatus = "rejected"
)

// WorkflowAction is something a handler did or proposes to do.
type WorkflowAction struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Target      string `json:"target"`
	Description string `json:"description"`
	// Value is the monetary value the action commits (order value, contract value).
	Value   float64      `json:"value"`
	Savings float64      `json:"savings"`
	Status  ActionStatus `json:"status"`
}

// ExecutionStatus is the overall outcome of an execution.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionPartial ExecutionStatus = "partial"
	ExecutionFailed  ExecutionStatus = "failed"
)

// ExecutionMetrics summarises an execution.
type ExecutionMetrics struct {
	TotalCostSavings float64 `json:"total_cost_savings"`
	// TimeToExecution is in milliseconds.
	TimeToExecution float64 `json:"time_to_execution"`
	ItemsProcessed  int     `json:"items_processed"`
	SuccessRate     float64 `json:"success_rate"`
}

// WorkflowExecutionResult is an append-only history entry.
type WorkflowExecutionResult struct {
	WorkflowID      string           `json:"workflow_id"`
	ExecutionID     string           `json:"execution_id"`
	Status          ExecutionStatus  `json:"status"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
	Actions         []WorkflowAction `json:"actions"`
	Metrics         ExecutionMetrics `json:"metrics"`
	Recommendations []string         `json:"recommendations"`
	Error           string           `json:"error,omitempty"`
}

// String implements fmt.Stringer for log lines.
func (r *WorkflowExecutionResult) String() string {
	return fmt.Sprintf("execution %s of %s: %s (%d actions, savings %.2f)",
		r.ExecutionID, r.WorkflowID, r.Status, len(r.Actions), r.Metrics.TotalCostSavings)
}

// ApprovalStatus is the decision state of a queued action.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval is an action held back by the automation gate until a human
// decides on it.
type Approval struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id"`
	Action      WorkflowAction `json:"action"`
	Status      ApprovalStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
}

// Decide records a human decision. Only pending approvals can be decided.
func (a *Approval) Decide(approved bool, by string, at time.Time) error {
	if a.Status != ApprovalPending {
		return fmt.Errorf("%w: approval %s is %s", ErrInvalidTransition, a.ID, a.Status)
	}
	if at.Before(a.CreatedAt) {
		at = a.CreatedAt
	}
	a.ResolvedAt = &at
	a.ResolvedBy = by
	if approved {
		a.Status = ApprovalApproved
		a.Action.Status = ActionApplied
	} else {
		a.Status = ApprovalRejected
		a.Action.Status = ActionRejected
	}
	return nil
}
