package server

import (
	"net/http"
	"time"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

type ingestRequest struct {
	Metric  string             `json:"metric"`
	Scope   models.EntityScope `json:"scope"`
	Samples []models.Sample    `json:"samples"`
}

type ingestResponse struct {
	Recorded  int                               `json:"recorded"`
	Triggered []*models.WorkflowExecutionResult `json:"triggered"`
	Failures  []models.BatchItemResult          `json:"failures,omitempty"`
}

// handleIngestSamples records samples and fires threshold workflows on the
// newest value.
func (s *Server) handleIngestSamples(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Metric == "" {
		s.writeError(w, &models.ValidationError{Field: "metric", Message: "required"})
		return
	}
	if len(req.Samples) == 0 {
		s.writeError(w, &models.ValidationError{Field: "samples", Message: "at least one sample is required"})
		return
	}

	now := time.Now().UTC()
	latest := 0
	for i := range req.Samples {
		if req.Samples[i].Timestamp.IsZero() {
			req.Samples[i].Timestamp = now
		}
		if !req.Samples[i].Timestamp.Before(req.Samples[latest].Timestamp) {
			latest = i
		}
	}
	for _, sample := range req.Samples {
		if err := s.deps.Store.RecordSample(r.Context(), req.Metric, req.Scope, sample); err != nil {
			s.writeError(w, err)
			return
		}
	}

	resp := ingestResponse{Recorded: len(req.Samples), Triggered: []*models.WorkflowExecutionResult{}}
	if s.deps.Engine != nil {
		results, failures := s.deps.Engine.OnThreshold(r.Context(), req.Metric, req.Scope, req.Samples[latest].Value)
		if results != nil {
			resp.Triggered = results
		}
		resp.Failures = failures
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.AlertFilter{
		State:    models.AlertState(q.Get("state")),
		Severity: models.Severity(q.Get("severity")),
		EntityID: q.Get("entity_id"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, &badRequest{msg: "invalid since: " + err.Error()})
			return
		}
		filter.Since = t
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	filter.Limit = limit

	alerts, err := s.deps.Coordinator.Alerts(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*models.AnomalyAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

type acknowledgeRequest struct {
	By string `json:"by"`
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	if req.By == "" {
		s.writeError(w, &models.ValidationError{Field: "by", Message: "required"})
		return
	}
	alert, err := s.deps.Coordinator.Acknowledge(r.Context(), r.PathValue("id"), req.By)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type resolveRequest struct {
	Resolution    string `json:"resolution"`
	FalsePositive bool   `json:"false_positive"`
}

func (s *Server) handleResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	alert, err := s.deps.Coordinator.Resolve(r.Context(), r.PathValue("id"), req.Resolution, req.FalsePositive)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

type detectRequest struct {
	Scope models.EntityScope `json:"scope"`
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, err)
		return
	}
	report, err := s.deps.Coordinator.DetectAll(r.Context(), req.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.deps.Coordinator.Models()})
}

func (s *Server) handleRegisterModel(w http.ResponseWriter, r *http.Request) {
	var m models.DetectionModel
	if err := decodeBody(r, &m, false); err != nil {
		s.writeError(w, err)
		return
	}
	created, err := s.deps.Coordinator.Register(r.Context(), &m)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleTrainModel trains one model and returns it. A model without enough
// history stays in training.
func (s *Server) handleTrainModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Coordinator.Train(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.deps.Coordinator.Model(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
