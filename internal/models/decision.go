package models

// Criterion is one column of a decision matrix.
type Criterion struct {
	Name   string  `json:"name" yaml:"name"`
	Weight float64 `json:"weight" yaml:"weight"`
	// Cost marks criteria where lower raw values are better. The ranker
	// expects these already inverted; NormalizeScores does the inversion.
	Cost bool `json:"cost,omitempty" yaml:"cost,omitempty"`
}

// DecisionOption is one candidate in a ranking call. The ranker returns a new
// slice; options are never mutated in place.
type DecisionOption struct {
	ID                   string             `json:"id"`
	Name                 string             `json:"name"`
	RawScores            map[string]float64 `json:"raw_scores_by_criterion"`
	NormalizedScore      float64            `json:"normalized_score"`
	ClosenessCoefficient float64            `json:"closeness_coefficient"`
	Rank                 int                `json:"rank"`
}

// RankingResult is the ranked list plus sensitivity analysis.
type RankingResult struct {
	Options         []DecisionOption `json:"options"`
	CriticalFactors []string         `json:"critical_factors"`
	Robustness      float64          `json:"robustness"`
}

// Top returns the best ranked option, or false when the ranking is empty.
func (r *RankingResult) Top() (DecisionOption, bool) {
	if len(r.Options) == 0 {
		return DecisionOption{}, false
	}
	return r.Options[0], true
}
