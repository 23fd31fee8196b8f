package models

import "time"

// ForecastPoint is one day of an ensemble forecast.
type ForecastPoint struct {
	Date              time.Time `json:"date"`
	Predicted         float64   `json:"predicted"`
	LowerBound        float64   `json:"lower_bound"`
	UpperBound        float64   `json:"upper_bound"`
	SeasonalComponent float64   `json:"seasonal_component"`
	TrendComponent    float64   `json:"trend_component"`
}

// ForecastAccuracy scores the model against held-out history.
type ForecastAccuracy struct {
	MAPE float64 `json:"mape"`
	RMSE float64 `json:"rmse"`
	MAE  float64 `json:"mae"`
}

// ForecastResult is immutable once produced; every request recomputes it.
type ForecastResult struct {
	TargetID    string           `json:"target_id"`
	HorizonDays int              `json:"horizon_days"`
	GeneratedAt time.Time        `json:"generated_at"`
	Points      []ForecastPoint  `json:"points"`
	Accuracy    ForecastAccuracy `json:"accuracy"`
	Components  *Components      `json:"components,omitempty"`
}

// Components is the additive decomposition of the history a forecast was
// fitted on.
type Components struct {
	Trend    []float64 `json:"trend"`
	Seasonal []float64 `json:"seasonal"`
	Residual []float64 `json:"residual"`
}

// TotalPredicted sums the predicted values across the horizon.
func (r *ForecastResult) TotalPredicted() float64 {
	total := 0.0
	for _, p := range r.Points {
		total += p.Predicted
	}
	return total
}
