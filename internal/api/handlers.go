package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stapply-ai/agent/api/schemas"
)

// applyResponse is returned as soon as the session is ready; the agent keeps
// running after this response is sent.
type applyResponse struct {
	SessionID   string `json:"session_id"`
	LiveViewURL string `json:"live_view_url"`
}

type errorResponse struct {
	Error     string    `json:"error"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	var req schemas.ApplicationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	session, err := s.orch.StartRun(r.Context(), &req)
	if err != nil {
		var verr *schemas.ValidationError
		if errors.As(err, &verr) {
			s.writeError(w, http.StatusBadRequest, "invalid request", verr.Error())
			return
		}
		s.logger.Error("Failed to start run", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to start agent", err.Error())
		return
	}

	s.writeJSON(w, http.StatusAccepted, applyResponse{
		SessionID:   session.ID,
		LiveViewURL: session.LiveViewURL,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   Version,
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service": "stapply-agent",
		"version": Version,
		"endpoints": map[string]string{
			"apply":  "POST /v1/apply",
			"health": "GET /healthz",
		},
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg, detail string) {
	s.writeJSON(w, status, errorResponse{
		Error:     msg,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}
