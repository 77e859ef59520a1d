package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conductor/internal/clock"
	"github.com/mattjoyce/conductor/internal/model"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:          "ok",
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
		PushSubscribers: s.hub.Subscribers(),
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.runsheet.Projects(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	p, err := s.runsheet.CreateProject(r.Context(), req.Name, req.Roles)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, projectFromContext(r.Context()))
}

// sessionRequest reads the session named in the body, falling back to the
// participant headers.
func (s *Server) sessionRequest(w http.ResponseWriter, r *http.Request) (SessionRequest, bool) {
	var req SessionRequest
	if !s.decodeBody(w, r, &req) {
		return req, false
	}
	if req.Role == "" && req.Name == "" {
		if a, ok := participant(r); ok {
			req.Role, req.Name = a.Role, a.Name
		}
	}
	return req, true
}

// handleLogin handles POST /logins.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionRequest(w, r)
	if !ok {
		return
	}
	sess, err := s.presence.Claim(r.Context(), projectID(r), req.Role, req.Name)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

// handleHeartbeat handles POST /logins/heartbeat. A 404 tells the client its
// session is gone and it must log in again.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.sessionRequest(w, r)
	if !ok {
		return
	}
	sess, err := s.presence.Heartbeat(r.Context(), projectID(r), req.Role, req.Name)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// handleLogout handles POST /logout. It is sent from page-unload beacons, so
// it never fails the request.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes)); err == nil && len(body) > 0 {
		_ = json.Unmarshal(body, &req)
	}
	if req.Role == "" || req.Name == "" {
		if a, ok := participant(r); ok {
			req.Role, req.Name = a.Role, a.Name
		}
	}
	if req.Role != "" && req.Name != "" {
		pid := projectID(r)
		if err := s.presence.Release(r.Context(), pid, req.Role, req.Name); err != nil {
			s.logger.Warn("logout release failed", "project_id", pid, "role", req.Role, "error", err)
		}
		if err := s.mailbox.DropSession(r.Context(), pid, req.Role, req.Name); err != nil {
			s.logger.Warn("logout mailbox cleanup failed", "project_id", pid, "role", req.Role, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListLogins(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.presence.List(r.Context(), projectID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetClock(w http.ResponseWriter, r *http.Request) {
	st, err := s.clock.State(r.Context(), projectID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleClockCommand handles POST /clock/{command}.
func (s *Server) handleClockCommand(w http.ResponseWriter, r *http.Request) {
	var req ClockCommandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	ctx, pid := r.Context(), projectID(r)

	var (
		st  model.ClockState
		err error
	)
	switch command := strings.TrimSpace(chi.URLParam(r, "command")); command {
	case clock.CmdStart:
		st, err = s.clock.Start(ctx, pid)
	case clock.CmdStop:
		st, err = s.clock.Stop(ctx, pid, req.ProposedOffset)
	case clock.CmdSetTime:
		if req.Seconds == nil {
			s.writeError(w, http.StatusBadRequest, "seconds is required")
			return
		}
		st, err = s.clock.SetTime(ctx, pid, *req.Seconds)
	case clock.CmdSetTarget:
		if req.Target == nil {
			s.writeError(w, http.StatusBadRequest, "target is required")
			return
		}
		st, err = s.clock.SetTarget(ctx, pid, *req.Target)
	case clock.CmdClearTarget:
		st, err = s.clock.ClearTarget(ctx, pid)
	default:
		s.writeError(w, http.StatusNotFound, "unknown clock command "+command)
		return
	}
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}
