package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conductor/internal/auth"
	"github.com/mattjoyce/conductor/internal/model"
)

const (
	headerParticipantName = "X-Participant-Name"
	headerParticipantRole = "X-Participant-Role"
)

type projectKey struct{}

func projectFromContext(ctx context.Context) *model.Project {
	p, _ := ctx.Value(projectKey{}).(*model.Project)
	return p
}

func projectID(r *http.Request) int64 {
	if p := projectFromContext(r.Context()); p != nil {
		return p.ID
	}
	return 0
}

// participant returns the identity named by the request headers.
func participant(r *http.Request) (model.Actor, bool) {
	a := model.Actor{
		Name: strings.TrimSpace(r.Header.Get(headerParticipantName)),
		Role: strings.TrimSpace(r.Header.Get(headerParticipantRole)),
	}
	return a, a.Name != "" && a.Role != ""
}

// authMiddleware resolves the bearer token to a principal. With no api key
// and no tokens configured every request runs as the anonymous principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" && len(s.config.Tokens) == 0 {
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), auth.Anonymous())))
			return
		}

		presented, err := auth.ExtractBearerToken(r)
		if err != nil {
			// EventSource cannot set headers.
			presented = strings.TrimSpace(r.URL.Query().Get("access_token"))
			if presented == "" || !isPushRoute(r) {
				s.writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
		}

		principal, ok := auth.Authenticate(presented, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func isPushRoute(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		(strings.HasSuffix(r.URL.Path, "/events") || strings.HasSuffix(r.URL.Path, "/ws"))
}

// requireScopes admits principals holding any of scopes.
func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				s.writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// projectCtx loads the project named in the path.
func (s *Server) projectCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
		if err != nil || id <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid project id")
			return
		}
		p, err := s.runsheet.Project(r.Context(), id)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), projectKey{}, p)))
	})
}

// identify records the participant headers as the acting user for the
// audit trail. Nothing is verified here.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a, ok := participant(r); ok {
			r = r.WithContext(model.WithActor(r.Context(), a))
		}
		next.ServeHTTP(w, r)
	})
}

// requireSession admits requests whose participant holds a live session.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.liveParticipant(w, r); ok {
			next.ServeHTTP(w, r)
		}
	})
}

// requireManager admits only the live session of the configured manager role.
func (s *Server) requireManager(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := s.liveParticipant(w, r)
		if !ok {
			return
		}
		if a.Role != s.config.ManagerRole {
			s.writeError(w, http.StatusForbidden, "manager role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) liveParticipant(w http.ResponseWriter, r *http.Request) (model.Actor, bool) {
	a, ok := participant(r)
	if !ok {
		s.writeError(w, http.StatusForbidden, "participant headers required")
		return model.Actor{}, false
	}
	if _, err := s.presence.Lookup(r.Context(), projectID(r), a.Role, a.Name); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			s.writeError(w, http.StatusForbidden, "no live session for "+a.Role+"/"+a.Name)
			return model.Actor{}, false
		}
		s.writeDomainError(w, r, err)
		return model.Actor{}, false
	}
	return a, true
}
