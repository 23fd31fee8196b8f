package server

import (
	"net/http"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.deps.Engine.List()})
}

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	var def models.Workflow
	if err := decodeBody(r, &def, false); err != nil {
		s.writeError(w, err)
		return
	}
	wf, err := s.deps.Engine.Register(r.Context(), &def)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Engine.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

type executeRequest struct {
	Scope models.EntityScope `json:"scope"`
}

// handleExecuteWorkflow runs a workflow synchronously. An execution that ran
// and failed is still recorded, so its result is returned with 200.
func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.deps.Engine.Execute(r.Context(), r.PathValue("id"), req.Scope)
	if res != nil {
		writeJSON(w, http.StatusOK, res)
		return
	}
	s.writeError(w, err)
}

func (s *Server) handlePauseWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Engine.Pause(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Engine.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleWorkflowExecutions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	history, err := s.deps.Engine.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if history == nil {
		history = []*models.WorkflowExecutionResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": history})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending := s.deps.Engine.PendingApprovals()
	if pending == nil {
		pending = []*models.Approval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": pending})
}

type decisionRequest struct {
	By string `json:"by"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	var req decisionRequest
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, err)
		return
	}
	if req.By == "" {
		s.writeError(w, &models.ValidationError{Field: "by", Message: "required"})
		return
	}

	decide := s.deps.Engine.RejectAction
	if approve {
		decide = s.deps.Engine.ApproveAction
	}
	a, err := decide(r.Context(), r.PathValue("id"), req.By)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}
