// Package decision ranks candidate options against weighted criteria using
// TOPSIS (closeness to an ideal solution).
package decision

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
	"github.com/kubilitics/kubilitics-optimizer/internal/metrics"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

const (
	weightTolerance         = 1e-6
	criticalWeightThreshold = 0.15
)

// Ranker is the multi-criteria ranker.
type Ranker struct {
	logger *zap.Logger
}

// NewRanker creates a ranker.
func NewRanker(logger *zap.Logger) *Ranker {
	return &Ranker{logger: logging.OrNop(logger).Named("ranker")}
}

// Rank orders options by closeness coefficient. Raw scores must already be
// in [0, 1] on a higher-is-better scale; see NormalizeScores. Ties keep input
// order.
func (r *Ranker) Rank(options []models.DecisionOption, criteria []models.Criterion) (*models.RankingResult, error) {
	res, err := rank(options, criteria)
	if err != nil {
		metrics.RankingsTotal.WithLabelValues("error").Inc()
		r.logger.Debug("ranking rejected", zap.Error(err))
		return nil, err
	}
	metrics.RankingsTotal.WithLabelValues("success").Inc()
	return res, nil
}

// ValidateWeights checks that criteria are present, non-negative and sum to 1.
func ValidateWeights(criteria []models.Criterion) error {
	if len(criteria) == 0 {
		return fmt.Errorf("%w: no criteria", models.ErrInvalidWeights)
	}
	sum := 0.0
	seen := make(map[string]bool, len(criteria))
	for _, c := range criteria {
		if c.Weight < 0 {
			return fmt.Errorf("%w: criterion %s has negative weight", models.ErrInvalidWeights, c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: criterion %s listed twice", models.ErrInvalidWeights, c.Name)
		}
		seen[c.Name] = true
		sum += c.Weight
	}
	if math.Abs(sum-1) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %.6f", models.ErrInvalidWeights, sum)
	}
	return nil
}

func rank(options []models.DecisionOption, criteria []models.Criterion) (*models.RankingResult, error) {
	if err := ValidateWeights(criteria); err != nil {
		return nil, err
	}
	if len(options) == 0 {
		return nil, &models.ValidationError{Field: "options", Message: "at least one option is required"}
	}

	m, n := len(options), len(criteria)
	raw := mat.NewDense(m, n, nil)
	for i, o := range options {
		for j, c := range criteria {
			v, ok := o.RawScores[c.Name]
			if !ok {
				return nil, &models.ValidationError{
					Field:   "raw_scores_by_criterion",
					Message: fmt.Sprintf("option %s has no score for %s", o.ID, c.Name),
				}
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, &models.ValidationError{
					Field:   "raw_scores_by_criterion",
					Message: fmt.Sprintf("option %s has a non-finite score for %s", o.ID, c.Name),
				}
			}
			if v < 0 || v > 1 {
				return nil, &models.ValidationError{
					Field:   "raw_scores_by_criterion",
					Message: fmt.Sprintf("option %s score %g for %s is outside [0, 1]", o.ID, v, c.Name),
				}
			}
			raw.Set(i, j, v)
		}
	}

	// Vector-normalise each column and apply its weight.
	weighted := mat.NewDense(m, n, nil)
	col := make([]float64, m)
	for j, c := range criteria {
		mat.Col(col, j, raw)
		norm := floats.Norm(col, 2)
		if norm == 0 {
			continue
		}
		floats.Scale(c.Weight/norm, col)
		weighted.SetCol(j, col)
	}

	ideal := make([]float64, n)
	anti := make([]float64, n)
	for j := 0; j < n; j++ {
		mat.Col(col, j, weighted)
		ideal[j] = floats.Max(col)
		anti[j] = floats.Min(col)
	}

	ranked := make([]models.DecisionOption, m)
	row := make([]float64, n)
	for i, o := range options {
		mat.Row(row, i, weighted)
		dPos := floats.Distance(row, ideal, 2)
		dNeg := floats.Distance(row, anti, 2)

		closeness := 1.0
		if total := dPos + dNeg; total > 0 {
			closeness = dNeg / total
		}

		scores := make(map[string]float64, len(o.RawScores))
		for k, v := range o.RawScores {
			scores[k] = v
		}
		ranked[i] = models.DecisionOption{
			ID:                   o.ID,
			Name:                 o.Name,
			RawScores:            scores,
			NormalizedScore:      floats.Sum(row),
			ClosenessCoefficient: closeness,
		}
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].ClosenessCoefficient > ranked[b].ClosenessCoefficient
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}

	return &models.RankingResult{
		Options:         ranked,
		CriticalFactors: criticalFactors(criteria),
		Robustness:      robustness(ranked),
	}, nil
}

// criticalFactors lists criteria whose weight exceeds 0.15, in input order.
func criticalFactors(criteria []models.Criterion) []string {
	out := []string{}
	for _, c := range criteria {
		if c.Weight > criticalWeightThreshold {
			out = append(out, c.Name)
		}
	}
	return out
}

// robustness is the relative lead of the winner over the runner-up.
func robustness(ranked []models.DecisionOption) float64 {
	switch {
	case len(ranked) == 0:
		return 0
	case len(ranked) == 1:
		return 1
	}
	top := ranked[0].ClosenessCoefficient
	if top == 0 {
		return 0
	}
	return (top - ranked[1].ClosenessCoefficient) / top
}

// NormalizeScores min-max scales every criterion column to [0,1] and inverts
// cost criteria so that higher is always better. A column with a single
// distinct value scales to 1. Missing scores stay missing.
func NormalizeScores(options []models.DecisionOption, criteria []models.Criterion) []models.DecisionOption {
	out := make([]models.DecisionOption, len(options))
	for i, o := range options {
		out[i] = o
		out[i].RawScores = make(map[string]float64, len(o.RawScores))
		for k, v := range o.RawScores {
			out[i].RawScores[k] = v
		}
	}

	for _, c := range criteria {
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, o := range options {
			if v, ok := o.RawScores[c.Name]; ok {
				lo = math.Min(lo, v)
				hi = math.Max(hi, v)
			}
		}
		for i := range out {
			v, ok := out[i].RawScores[c.Name]
			if !ok {
				continue
			}
			scaled := 1.0
			if hi > lo {
				scaled = (v - lo) / (hi - lo)
				if c.Cost {
					scaled = 1 - scaled
				}
			}
			out[i].RawScores[c.Name] = scaled
		}
	}
	return out
}
