package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/proposal"
)

// handleSubmitChanges handles POST /changes. The submitter is the live
// session named by the participant headers.
func (s *Server) handleSubmitChanges(w http.ResponseWriter, r *http.Request) {
	var req proposal.SubmitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	a, _ := participant(r)
	if req.SubmittedBy == "" {
		req.SubmittedBy = a.Name
	}
	if req.Role == "" {
		req.Role = a.Role
	}
	if req.SubmittedBy != a.Name || req.Role != a.Role {
		s.writeError(w, http.StatusForbidden, "submitter does not match the participant session")
		return
	}

	sub, err := s.proposals.Submit(r.Context(), projectID(r), req)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, SubmitChangesResponse{SubmissionID: sub.ID, Records: sub.Records})
}

// handleListChanges handles GET /changes?status=pending|accepted|declined.
func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	status := model.ChangeStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if status == "" {
		status = model.ChangePending
	}
	records, err := s.proposals.List(r.Context(), projectID(r), status)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	sub, err := s.proposals.Submission(r.Context(), projectID(r), chi.URLParam(r, "submissionID"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sub)
}

func (s *Server) handleAcceptChange(w http.ResponseWriter, r *http.Request) {
	s.decideChange(w, r, s.proposals.Accept)
}

func (s *Server) handleDeclineChange(w http.ResponseWriter, r *http.Request) {
	s.decideChange(w, r, s.proposals.Decline)
}

func (s *Server) handleAcceptSubmission(w http.ResponseWriter, r *http.Request) {
	s.decideSubmission(w, r, s.proposals.AcceptAll)
}

func (s *Server) handleDeclineSubmission(w http.ResponseWriter, r *http.Request) {
	s.decideSubmission(w, r, s.proposals.DeclineAll)
}

type (
	decideFunc    func(ctx context.Context, projectID int64, recordID, decidedBy string) (*proposal.Decision, error)
	decideAllFunc func(ctx context.Context, projectID int64, submissionID, decidedBy string) ([]proposal.Decision, error)
)

func (s *Server) decideChange(w http.ResponseWriter, r *http.Request, fn decideFunc) {
	manager, _ := participant(r)
	d, err := fn(r.Context(), projectID(r), chi.URLParam(r, "recordID"), manager.Name)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, decisionResponse(*d))
}

func (s *Server) decideSubmission(w http.ResponseWriter, r *http.Request, fn decideAllFunc) {
	manager, _ := participant(r)
	id := chi.URLParam(r, "submissionID")
	decisions, err := fn(r.Context(), projectID(r), id, manager.Name)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	resp := SubmissionDecisionResponse{SubmissionID: id, Decisions: make([]DecisionResponse, 0, len(decisions))}
	for _, d := range decisions {
		resp.Decisions = append(resp.Decisions, decisionResponse(d))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handlePollNotification handles GET /notifications?role=&name=. It returns
// the oldest undelivered notification, or 204 when the mailbox is empty.
func (s *Server) handlePollNotification(w http.ResponseWriter, r *http.Request) {
	role, name := mailboxOwner(r)
	n, err := s.mailbox.Poll(r.Context(), projectID(r), role, name)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if n == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) handleAckNotification(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Role == "" {
		req.Role, req.Name = mailboxOwner(r)
	}
	if err := s.mailbox.Ack(r.Context(), projectID(r), req.Role, req.Name, req.ID); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mailboxOwner reads the session from the query, falling back to the
// participant headers.
func mailboxOwner(r *http.Request) (role, name string) {
	q := r.URL.Query()
	role, name = strings.TrimSpace(q.Get("role")), strings.TrimSpace(q.Get("name"))
	if role == "" && name == "" {
		if a, ok := participant(r); ok {
			return a.Role, a.Name
		}
	}
	return role, name
}
