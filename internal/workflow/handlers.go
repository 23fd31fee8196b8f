package workflow

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/decision"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/forecast"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

// Handler runs one workflow type. It reports actions through rec and
// returns an error only when the execution as a whole failed.
type Handler interface {
	Handle(ctx context.Context, wf *models.Workflow, scope models.EntityScope, rec *ActionRecorder) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, wf *models.Workflow, scope models.EntityScope, rec *ActionRecorder) error

func (f HandlerFunc) Handle(ctx context.Context, wf *models.Workflow, scope models.EntityScope, rec *ActionRecorder) error {
	return f(ctx, wf, scope, rec)
}

// Forecaster is the part of forecast.Forecaster the handlers use.
type Forecaster interface {
	Forecast(ctx context.Context, target forecast.Target, horizon int) (*models.ForecastResult, error)
}

// Ranker is the part of decision.Ranker the handlers use.
type Ranker interface {
	Rank(options []models.DecisionOption, criteria []models.Criterion) (*models.RankingResult, error)
}

// Detector is the part of anomaly.Coordinator the handlers use.
type Detector interface {
	DetectAll(ctx context.Context, scope models.EntityScope) (*anomaly.DetectionReport, error)
}

const (
	defaultDemandMetric = "demand"
	defaultCostHorizon  = 30
	itemEntityType      = "item"
	// A ranking whose top two candidates are closer than this is flagged.
	fragileRobustness = 0.1
)

// InventoryHandler reorders items whose stock will not cover forecast demand
// over their lead time plus safety stock.
type InventoryHandler struct {
	Forecaster Forecaster
}

func (h *InventoryHandler) Handle(ctx context.Context, wf *models.Workflow, _ models.EntityScope, rec *ActionRecorder) error {
	params := wf.Parameters
	if len(params.Items) == 0 {
		return &models.ValidationError{Field: "parameters.items", Message: "inventory reordering needs at least one item"}
	}
	metric := params.DemandMetric
	if metric == "" {
		metric = defaultDemandMetric
	}

	for _, item := range params.Items {
		if err := ctx.Err(); err != nil {
			return err
		}

		horizon := item.LeadTimeDays
		if horizon < 1 {
			horizon = 1
		}
		target := forecast.Target{Metric: metric, Scope: models.EntityScope{EntityType: itemEntityType, EntityID: item.SKU}}
		fr, err := h.Forecaster.Forecast(ctx, target, horizon)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rec.Recommend(fmt.Sprintf("review stock of %s manually: no demand forecast (%v)", item.SKU, err))
			continue
		}
		rec.Processed(1)

		demand := fr.TotalPredicted()
		reorderPoint := demand + item.SafetyStock
		if item.CurrentStock >= reorderPoint {
			continue
		}

		qty := math.Ceil(reorderPoint - item.CurrentStock)
		shortfall := math.Max(0, demand-item.CurrentStock)
		rec.Record(models.WorkflowAction{
			Kind:   "reorder",
			Target: item.SKU,
			Description: fmt.Sprintf("order %.0f units of %s: stock %.0f, lead-time demand %.1f, safety stock %.0f",
				qty, item.SKU, item.CurrentStock, demand, item.SafetyStock),
			Value:   qty * item.UnitCost,
			Savings: shortfall * item.StockoutCost,
		})
	}
	return nil
}

// SupplierHandler picks the best supplier by TOPSIS.
type SupplierHandler struct {
	Ranker Ranker
}

func (h *SupplierHandler) Handle(ctx context.Context, wf *models.Workflow, _ models.EntityScope, rec *ActionRecorder) error {
	params := wf.Parameters
	top, cand, err := rankCandidates(h.Ranker, params.Candidates, params.Criteria, rec)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	savings := 0.0
	if params.CurrentUnitCost > 0 {
		savings = math.Max(0, (params.CurrentUnitCost-cand.UnitCost)*params.Volume)
	}
	rec.Record(models.WorkflowAction{
		Kind:   "select_supplier",
		Target: top.ID,
		Description: fmt.Sprintf("switch to %s (closeness %.3f) at unit cost %.2f",
			displayName(cand), top.ClosenessCoefficient, cand.UnitCost),
		Value:   cand.UnitCost * params.Volume,
		Savings: savings,
	})
	return nil
}

// CostHandler combines anomaly detection, a cost forecast and a ranking of
// remediation options for one scope.
type CostHandler struct {
	Detector   Detector
	Forecaster Forecaster
	Ranker     Ranker
}

func (h *CostHandler) Handle(ctx context.Context, wf *models.Workflow, scope models.EntityScope, rec *ActionRecorder) error {
	params := wf.Parameters

	if h.Detector != nil {
		report, err := h.Detector.DetectAll(ctx, scope)
		if err != nil {
			return err
		}
		for _, a := range report.Alerts {
			rec.Recommend(fmt.Sprintf("investigate %s %s on %s (%s/%s)",
				a.Severity, a.Type, a.Context.Metric, a.Context.EntityType, a.Context.EntityID))
		}
		for _, f := range report.Failures {
			rec.Recommend(fmt.Sprintf("detection model %s failed: %s", f.Target, f.Error))
		}
		rec.Processed(len(report.Alerts))
	}

	if params.CostMetric != "" && h.Forecaster != nil {
		horizon := params.HorizonDays
		if horizon <= 0 {
			horizon = defaultCostHorizon
		}
		fr, err := h.Forecaster.Forecast(ctx, forecast.Target{Metric: params.CostMetric, Scope: scope}, horizon)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			rec.Recommend(fmt.Sprintf("no forecast for %s: %v", params.CostMetric, err))
		default:
			rec.Processed(1)
			rec.Recommend(fmt.Sprintf("projected %s over %d days: %.2f (MAPE %.1f%%)",
				params.CostMetric, horizon, fr.TotalPredicted(), fr.Accuracy.MAPE))
		}
	}

	if len(params.Candidates) == 0 {
		return nil
	}
	top, cand, err := rankCandidates(h.Ranker, params.Candidates, params.Criteria, rec)
	if err != nil {
		return err
	}
	rec.Record(models.WorkflowAction{
		Kind:        "apply_remediation",
		Target:      top.ID,
		Description: fmt.Sprintf("apply %s (closeness %.3f)", displayName(cand), top.ClosenessCoefficient),
		Value:       cand.UnitCost,
		Savings:     cand.Savings,
	})
	return nil
}

// rankCandidates normalises raw candidate scores, ranks them and adds the
// sensitivity findings as recommendations.
func rankCandidates(r Ranker, candidates []models.Candidate, criteria []models.Criterion, rec *ActionRecorder) (models.DecisionOption, models.Candidate, error) {
	if len(candidates) == 0 {
		return models.DecisionOption{}, models.Candidate{}, &models.ValidationError{Field: "parameters.candidates", Message: "at least one candidate is required"}
	}

	byID := make(map[string]models.Candidate, len(candidates))
	options := make([]models.DecisionOption, len(candidates))
	for i, c := range candidates {
		byID[c.ID] = c
		options[i] = models.DecisionOption{ID: c.ID, Name: c.Name, RawScores: c.Scores}
	}

	res, err := r.Rank(decision.NormalizeScores(options, criteria), criteria)
	if err != nil {
		return models.DecisionOption{}, models.Candidate{}, err
	}
	rec.Processed(len(candidates))

	top, _ := res.Top()
	if len(res.Options) > 1 && res.Robustness < fragileRobustness {
		rec.Recommend(fmt.Sprintf("ranking is close: %s leads %s by %.1f%%",
			res.Options[0].ID, res.Options[1].ID, res.Robustness*100))
	}
	if len(res.CriticalFactors) > 0 {
		rec.Recommend("decision is driven by " + strings.Join(res.CriticalFactors, ", "))
	}
	return top, byID[top.ID], nil
}

func displayName(c models.Candidate) string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}
