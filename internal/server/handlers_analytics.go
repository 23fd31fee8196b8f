package server

import (
	"net/http"

	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/decision"
	"github.com/kubilitics/kubilitics-optimizer/internal/analytics/forecast"
	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

type forecastRequest struct {
	Targets     []forecast.Target `json:"targets"`
	HorizonDays int               `json:"horizon_days"`
}

type forecastResponse struct {
	Forecasts []*models.ForecastResult `json:"forecasts"`
	Failures  []models.BatchItemResult `json:"failures,omitempty"`
}

// handleForecast forecasts one or more targets. A single target reports its
// error as the response status; a batch reports failures per target.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	var req forecastRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Targets) == 0 {
		s.writeError(w, &models.ValidationError{Field: "targets", Message: "at least one target is required"})
		return
	}
	for _, t := range req.Targets {
		if t.Metric == "" {
			s.writeError(w, &models.ValidationError{Field: "targets.metric", Message: "required"})
			return
		}
	}

	if len(req.Targets) == 1 {
		res, err := s.deps.Forecaster.Forecast(r.Context(), req.Targets[0], req.HorizonDays)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, forecastResponse{Forecasts: []*models.ForecastResult{res}})
		return
	}

	results, failures := s.deps.Forecaster.ForecastBatch(r.Context(), req.Targets, req.HorizonDays)
	if results == nil {
		results = []*models.ForecastResult{}
	}
	writeJSON(w, http.StatusOK, forecastResponse{Forecasts: results, Failures: failures})
}

type rankRequest struct {
	Options  []models.DecisionOption `json:"options"`
	Criteria []models.Criterion      `json:"criteria"`
	// Normalize min-max scales raw scores and inverts cost criteria first.
	Normalize bool `json:"normalize"`
}

func (s *Server) handleRank(w http.ResponseWriter, r *http.Request) {
	var req rankRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	options := req.Options
	if req.Normalize {
		options = decision.NormalizeScores(options, req.Criteria)
	}
	res, err := s.deps.Ranker.Rank(options, req.Criteria)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
