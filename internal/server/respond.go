package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-optimizer/internal/models"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// badRequest marks malformed input that never reached the domain layer.
type badRequest struct{ msg string }

func (e *badRequest) Error() string { return e.msg }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		ve *models.ValidationError
		br *badRequest
	)
	switch {
	case errors.As(err, &br), errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrWorkflowNotFound),
		errors.Is(err, models.ErrAlertNotFound),
		errors.Is(err, models.ErrModelNotFound),
		errors.Is(err, models.ErrApprovalNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInsufficientData),
		errors.Is(err, models.ErrInvalidWeights),
		errors.Is(err, models.ErrInvalidSequenceLength),
		errors.Is(err, models.ErrUnsupportedWorkflowType),
		errors.Is(err, models.ErrNotTrained):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrExecutionInProgress),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrInvalidWorkflow),
		errors.Is(err, models.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		resp.Field = ve.Field
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched
// when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return &badRequest{msg: fmt.Sprintf("invalid request body: %v", err)}
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &badRequest{msg: fmt.Sprintf("invalid %s: %q", key, raw)}
	}
	return n, nil
}
