package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/braincanary/braincanary/internal/config"
	"github.com/braincanary/braincanary/internal/gate"
	"github.com/braincanary/braincanary/internal/persistence"
)

// StatusResponse is the full picture of the active rollout.
type StatusResponse struct {
	Deployment      *persistence.DeploymentSnapshot `json:"deployment"`
	Gates           []gate.Result                   `json:"gates,omitempty"`
	NextAction      string                          `json:"next_action,omitempty"`
	TimeRemainingMS int64                           `json:"time_remaining_ms,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := StatusResponse{
		Deployment: s.svc.Snapshot(),
		Gates:      s.svc.Gates(),
	}
	if status.Deployment != nil && status.Deployment.State == persistence.StateStage {
		action, remaining := s.svc.Progress()
		status.NextAction = string(action)
		status.TimeRemainingMS = remaining
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	sticky := r.URL.Query().Get("sticky")
	writeJSON(w, http.StatusOK, s.svc.Route(sticky))
}

// handleStartDeployment accepts a deployment spec, YAML or JSON, and
// launches it.
func (s *Server) handleStartDeployment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := config.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.svc.Start(cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	deployments, err := s.svc.Store().ListDeployments(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.svc.Pause())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.svc.Resume())
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	s.command(w, s.svc.Promote(force))
}

type rollbackRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if r.Body != nil {
		// An empty or absent body means an unannotated manual rollback.
		_ = json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req)
	}
	s.command(w, s.svc.Rollback(req.Reason))
}

// command finishes a lifecycle mutation with the fresh snapshot.
func (s *Server) command(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Snapshot())
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.svc.Store().GetDeployment(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	transitions, err := s.svc.Store().ListTransitions(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transitions)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if _, err := s.svc.Store().GetDeployment(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	records, err := s.svc.Store().ListEvents(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
