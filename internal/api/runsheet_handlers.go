package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conductor/internal/model"
)

const (
	defaultActionLimit = 100
	maxActionLimit     = 1000
)

func (s *Server) handleListPhases(w http.ResponseWriter, r *http.Request) {
	phases, err := s.runsheet.Phases(r.Context(), projectID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, phases)
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.runsheet.Roles(r.Context(), projectID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, roles)
}

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.runsheet.Scripts(r.Context(), projectID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleCreatePhase(w http.ResponseWriter, r *http.Request) {
	var req CreatePhaseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	p, err := s.runsheet.CreatePhase(r.Context(), projectID(r), req.Active)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) handleSetPhaseActive(w http.ResponseWriter, r *http.Request) {
	number, ok := s.intParam(w, r, "phase")
	if !ok {
		return
	}
	var req PhaseActiveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	p, err := s.runsheet.SetPhaseActive(r.Context(), projectID(r), int(number), req.Active)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePhase(w http.ResponseWriter, r *http.Request) {
	number, ok := s.intParam(w, r, "phase")
	if !ok {
		return
	}
	if err := s.runsheet.DeletePhase(r.Context(), projectID(r), int(number)); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInsertRow(w http.ResponseWriter, r *http.Request) {
	number, ok := s.intParam(w, r, "phase")
	if !ok {
		return
	}
	var req InsertRowRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	row, err := s.runsheet.InsertRow(r.Context(), projectID(r), int(number), req.Position, req.RowFields)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, row)
}

func (s *Server) handleUpdateRow(w http.ResponseWriter, r *http.Request) {
	rowID, ok := s.intParam(w, r, "rowID")
	if !ok {
		return
	}
	var fields model.RowFields
	if !s.decodeBody(w, r, &fields) {
		return
	}
	row, err := s.runsheet.UpdateRow(r.Context(), projectID(r), rowID, fields)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, row)
}

func (s *Server) handleDeleteRow(w http.ResponseWriter, r *http.Request) {
	rowID, ok := s.intParam(w, r, "rowID")
	if !ok {
		return
	}
	if err := s.runsheet.DeleteRow(r.Context(), projectID(r), rowID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMoveRow(w http.ResponseWriter, r *http.Request) {
	s.relocateRow(w, r, s.runsheet.MoveRow, http.StatusOK)
}

func (s *Server) handleDuplicateRow(w http.ResponseWriter, r *http.Request) {
	s.relocateRow(w, r, s.runsheet.DuplicateRow, http.StatusCreated)
}

type relocateFunc func(ctx context.Context, projectID, rowID int64, targetPhase, targetPosition int) (model.Row, error)

func (s *Server) relocateRow(w http.ResponseWriter, r *http.Request, fn relocateFunc, status int) {
	rowID, ok := s.intParam(w, r, "rowID")
	if !ok {
		return
	}
	var req MoveRowRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	row, err := fn(r.Context(), projectID(r), rowID, req.PhaseNumber, req.Position)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, status, row)
}

func (s *Server) handleResetStatuses(w http.ResponseWriter, r *http.Request) {
	n, err := s.runsheet.ResetStatuses(r.Context(), projectID(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, ResetStatusesResponse{Reset: n})
}

// handleReplaceTable handles PUT /table-data, the bulk save of the whole
// run-sheet.
func (s *Server) handleReplaceTable(w http.ResponseWriter, r *http.Request) {
	var req ReplaceTableRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	ctx, pid := r.Context(), projectID(r)
	if err := s.runsheet.ReplaceTable(ctx, pid, req.Phases); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	phases, err := s.runsheet.Phases(ctx, pid)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, phases)
}

func (s *Server) handleSetVersion(w http.ResponseWriter, r *http.Request) {
	var req VersionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if err := s.runsheet.SetVersion(r.Context(), projectID(r), req.Version); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (s *Server) handleAddRole(w http.ResponseWriter, r *http.Request) {
	var req RoleRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	ctx, pid := r.Context(), projectID(r)
	if err := s.runsheet.AddRole(ctx, pid, req.Role); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	roles, err := s.runsheet.Roles(ctx, pid)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, roles)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	role := strings.TrimSpace(chi.URLParam(r, "role"))
	if err := s.runsheet.DeleteRole(r.Context(), projectID(r), role); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddScript(w http.ResponseWriter, r *http.Request) {
	var script model.PeriodicScript
	if !s.decodeBody(w, r, &script) {
		return
	}
	created, err := s.runsheet.AddScript(r.Context(), projectID(r), script)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateScript(w http.ResponseWriter, r *http.Request) {
	scriptID, ok := s.intParam(w, r, "scriptID")
	if !ok {
		return
	}
	var fields model.ScriptFields
	if !s.decodeBody(w, r, &fields) {
		return
	}
	updated, err := s.runsheet.UpdateScript(r.Context(), projectID(r), scriptID, fields)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRecordScriptRun(w http.ResponseWriter, r *http.Request) {
	scriptID, ok := s.intParam(w, r, "scriptID")
	if !ok {
		return
	}
	var req ScriptRunRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	script, err := s.runsheet.RecordScriptRun(r.Context(), projectID(r), scriptID, req.Status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, script)
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	scriptID, ok := s.intParam(w, r, "scriptID")
	if !ok {
		return
	}
	if err := s.runsheet.DeleteScript(r.Context(), projectID(r), scriptID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListActions handles GET /actions?limit=N, newest first.
func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	limit := defaultActionLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxActionLimit)
	}
	actions, err := s.runsheet.Actions(r.Context(), projectID(r), limit)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, actions)
}
