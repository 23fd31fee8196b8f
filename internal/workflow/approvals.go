package workflow

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// queueApprovals stores actions held back by the automation gate.
func (e *Engine) queueApprovals(ctx context.Context, approvals []*models.Approval) {
	if len(approvals) == 0 {
		return
	}
	e.mu.Lock()
	for _, a := range approvals {
		cp := *a
		e.approvals[a.ID] = &cp
	}
	metrics.PendingApprovals.Set(float64(e.pendingCountLocked()))
	e.mu.Unlock()

	for _, a := range approvals {
		e.saveApproval(ctx, a)
		if err := e.audit.LogActionProposed(ctx, a); err != nil {
			e.logger.Warn("failed to audit proposed action", zap.String("approval_id", a.ID), zap.Error(err))
		}
	}
}

func (e *Engine) pendingCountLocked() int {
	n := 0
	for _, a := range e.approvals {
		if a.Status == models.ApprovalPending {
			n++
		}
	}
	return n
}

// PendingApprovals lists actions waiting for a decision, oldest first.
func (e *Engine) PendingApprovals() []*models.Approval {
	e.mu.Lock()
	var out []*models.Approval
	for _, a := range e.approvals {
		if a.Status == models.ApprovalPending {
			cp := *a
			out = append(out, &cp)
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ApproveAction applies a held-back action. Its savings are credited to the
// workflow's performance.
func (e *Engine) ApproveAction(ctx context.Context, approvalID, by string) (*models.Approval, error) {
	return e.decide(ctx, approvalID, by, true)
}

// RejectAction discards a held-back action.
func (e *Engine) RejectAction(ctx context.Context, approvalID, by string) (*models.Approval, error) {
	return e.decide(ctx, approvalID, by, false)
}

func (e *Engine) decide(ctx context.Context, approvalID, by string, approved bool) (*models.Approval, error) {
	e.mu.Lock()
	a, ok := e.approvals[approvalID]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", models.ErrApprovalNotFound, approvalID)
	}
	if err := a.Decide(approved, by, e.now()); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	decided := *a
	delete(e.approvals, approvalID)
	metrics.PendingApprovals.Set(float64(e.pendingCountLocked()))
	e.mu.Unlock()

	e.saveApproval(ctx, &decided)
	if err := e.audit.LogActionDecided(ctx, &decided); err != nil {
		e.logger.Warn("failed to audit approval decision", zap.String("approval_id", approvalID), zap.Error(err))
	}

	if approved && decided.Action.Savings != 0 {
		_, err := e.repo.Update(ctx, decided.WorkflowID, func(w *models.Workflow) error {
			w.Performance.CostSavings += decided.Action.Savings
			return nil
		})
		if err != nil {
			e.logger.Warn("failed to credit approved savings", zap.String("workflow_id", decided.WorkflowID), zap.Error(err))
		}
	}

	e.logger.Info("action decided",
		zap.String("approval_id", approvalID),
		zap.String("workflow_id", decided.WorkflowID),
		zap.String("status", string(decided.Status)),
		zap.String("by", by))
	return &decided, nil
}

func (e *Engine) saveApproval(ctx context.Context, a *models.Approval) {
	if err := e.store.SaveApproval(ctx, a); err != nil {
		metrics.PersistenceErrors.WithLabelValues("save_approval").Inc()
		e.logger.Error("failed to persist approval", zap.String("approval_id", a.ID), zap.Error(err))
	}
}
