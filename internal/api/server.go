// Package api exposes the run-sheet, clock, presence, change approval and
// notification operations over HTTP, plus SSE and WebSocket push streams.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/mattjoyce/conductor/internal/auth"
	"github.com/mattjoyce/conductor/internal/events"
	clog "github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/metrics"
	"github.com/mattjoyce/conductor/internal/model"
	"github.com/mattjoyce/conductor/internal/notify"
	"github.com/mattjoyce/conductor/internal/proposal"
)

// Presence is the session registry used for logins and identity checks.
type Presence interface {
	Claim(ctx context.Context, projectID int64, role, name string) (*model.Session, error)
	Heartbeat(ctx context.Context, projectID int64, role, name string) (*model.Session, error)
	Release(ctx context.Context, projectID int64, role, name string) error
	List(ctx context.Context, projectID int64) ([]model.Session, error)
	Lookup(ctx context.Context, projectID int64, role, name string) (*model.Session, error)
}

// Clock is the authoritative project clock.
type Clock interface {
	State(ctx context.Context, projectID int64) (model.ClockState, error)
	SetTime(ctx context.Context, projectID int64, seconds int64) (model.ClockState, error)
	Start(ctx context.Context, projectID int64) (model.ClockState, error)
	Stop(ctx context.Context, projectID int64, proposedOffset *int64) (model.ClockState, error)
	SetTarget(ctx context.Context, projectID int64, targetAt time.Time) (model.ClockState, error)
	ClearTarget(ctx context.Context, projectID int64) (model.ClockState, error)
}

// Runsheet is the privileged edit path and the read side of the run-sheet.
type Runsheet interface {
	CreateProject(ctx context.Context, name string, roles []string) (*model.Project, error)
	Project(ctx context.Context, projectID int64) (*model.Project, error)
	Projects(ctx context.Context) ([]model.Project, error)
	SetVersion(ctx context.Context, projectID int64, version string) error
	Roles(ctx context.Context, projectID int64) ([]string, error)
	AddRole(ctx context.Context, projectID int64, role string) error
	DeleteRole(ctx context.Context, projectID int64, role string) error
	Phases(ctx context.Context, projectID int64) ([]model.Phase, error)
	CreatePhase(ctx context.Context, projectID int64, active bool) (*model.Phase, error)
	SetPhaseActive(ctx context.Context, projectID int64, number int, active bool) (*model.Phase, error)
	DeletePhase(ctx context.Context, projectID int64, number int) error
	InsertRow(ctx context.Context, projectID int64, phaseNumber int, position *int, fields model.RowFields) (model.Row, error)
	UpdateRow(ctx context.Context, projectID, rowID int64, fields model.RowFields) (model.Row, error)
	DeleteRow(ctx context.Context, projectID, rowID int64) error
	MoveRow(ctx context.Context, projectID, rowID int64, targetPhase, targetPosition int) (model.Row, error)
	DuplicateRow(ctx context.Context, projectID, rowID int64, targetPhase, targetPosition int) (model.Row, error)
	ResetStatuses(ctx context.Context, projectID int64) (int64, error)
	ReplaceTable(ctx context.Context, projectID int64, phases []model.Phase) error
	Scripts(ctx context.Context, projectID int64) ([]model.PeriodicScript, error)
	AddScript(ctx context.Context, projectID int64, script model.PeriodicScript) (model.PeriodicScript, error)
	UpdateScript(ctx context.Context, projectID, scriptID int64, fields model.ScriptFields) (model.PeriodicScript, error)
	RecordScriptRun(ctx context.Context, projectID, scriptID int64, status bool) (model.PeriodicScript, error)
	DeleteScript(ctx context.Context, projectID, scriptID int64) error
	Actions(ctx context.Context, projectID int64, limit int) ([]model.ActionEntry, error)
}

// Proposals is the change proposal and approval engine.
type Proposals interface {
	Submit(ctx context.Context, projectID int64, req proposal.SubmitRequest) (*model.Submission, error)
	List(ctx context.Context, projectID int64, status model.ChangeStatus) ([]model.ChangeRecord, error)
	Submission(ctx context.Context, projectID int64, id string) (*model.Submission, error)
	Accept(ctx context.Context, projectID int64, recordID, decidedBy string) (*proposal.Decision, error)
	Decline(ctx context.Context, projectID int64, recordID, decidedBy string) (*proposal.Decision, error)
	AcceptAll(ctx context.Context, projectID int64, submissionID, decidedBy string) ([]proposal.Decision, error)
	DeclineAll(ctx context.Context, projectID int64, submissionID, decidedBy string) ([]proposal.Decision, error)
}

// Mailbox is the poll/ack side of the notification dispatcher.
type Mailbox interface {
	Poll(ctx context.Context, projectID int64, role, name string) (*notify.Notification, error)
	Ack(ctx context.Context, projectID int64, role, name, id string) error
	DropSession(ctx context.Context, projectID int64, role, name string) error
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens         []auth.TokenConfig
	AllowedOrigins []string
	// ManagerRole may edit the run-sheet, drive the clock and decide changes.
	ManagerRole string
	KeepAlive   time.Duration
}

// Deps are the domain services behind the routes.
type Deps struct {
	Presence  Presence
	Clock     Clock
	Runsheet  Runsheet
	Proposals Proposals
	Mailbox   Mailbox
	Hub       *events.Hub
	Metrics   *metrics.Metrics
}

// Server represents the HTTP API server.
type Server struct {
	config    Config
	presence  Presence
	clock     Clock
	runsheet  Runsheet
	proposals Proposals
	mailbox   Mailbox
	hub       *events.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.ManagerRole == "" {
		config.ManagerRole = "Manager"
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}
	hub := deps.Hub
	if hub == nil {
		hub = events.NewHub(0, deps.Metrics)
	}
	return &Server{
		config:    config,
		presence:  deps.Presence,
		clock:     deps.Clock,
		runsheet:  deps.Runsheet,
		proposals: deps.Proposals,
		mailbox:   deps.Mailbox,
		hub:       hub,
		metrics:   deps.Metrics,
		logger:    clog.ForComponent(logger, "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Push streams are long-lived; they end on client disconnect.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		// Requests inherit ctx so open push streams end on shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware())

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.With(s.requireScopes(auth.ScopeRunsheetRead)).Get("/projects", s.handleListProjects)
		r.With(s.requireScopes(auth.ScopeProjectsWrite)).Post("/projects", s.handleCreateProject)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Use(s.projectCtx)
			r.Use(s.identify)

			r.With(s.requireScopes(auth.ScopeRunsheetRead)).Get("/", s.handleGetProject)

			// Presence.
			r.Group(func(r chi.Router) {
				r.Use(s.requireScopes(auth.ScopePresenceWrite))
				r.Post("/logins", s.handleLogin)
				r.Post("/logins/heartbeat", s.handleHeartbeat)
				r.Post("/logout", s.handleLogout)
			})
			r.With(s.requireScopes(auth.ScopeRunsheetRead)).Get("/logins", s.handleListLogins)

			// Clock.
			r.With(s.requireScopes(auth.ScopeRunsheetRead)).Get("/clock", s.handleGetClock)
			r.With(s.requireScopes(auth.ScopeClockWrite), s.requireManager).Post("/clock/{command}", s.handleClockCommand)

			// Run-sheet reads.
			r.Group(func(r chi.Router) {
				r.Use(s.requireScopes(auth.ScopeRunsheetRead))
				r.Get("/phases", s.handleListPhases)
				r.Get("/roles", s.handleListRoles)
				r.Get("/scripts", s.handleListScripts)
			})

			// Run-sheet privileged edits.
			r.Group(func(r chi.Router) {
				r.Use(s.requireScopes(auth.ScopeRunsheetWrite))
				r.Use(s.requireManager)
				r.Post("/phases", s.handleCreatePhase)
				r.Put("/phases/{phase}/active", s.handleSetPhaseActive)
				r.Delete("/phases/{phase}", s.handleDeletePhase)
				r.Post("/phases/{phase}/rows", s.handleInsertRow)
				r.Post("/rows/reset-statuses", s.handleResetStatuses)
				r.Put("/rows/{rowID}", s.handleUpdateRow)
				r.Delete("/rows/{rowID}", s.handleDeleteRow)
				r.Post("/rows/{rowID}/move", s.handleMoveRow)
				r.Post("/rows/{rowID}/duplicate", s.handleDuplicateRow)
				r.Put("/table-data", s.handleReplaceTable)
				r.Put("/version", s.handleSetVersion)
				r.Post("/roles", s.handleAddRole)
				r.Delete("/roles/{role}", s.handleDeleteRole)
				r.Post("/scripts", s.handleAddScript)
				r.Put("/scripts/{scriptID}", s.handleUpdateScript)
				r.Post("/scripts/{scriptID}/runs", s.handleRecordScriptRun)
				r.Delete("/scripts/{scriptID}", s.handleDeleteScript)
				r.Get("/actions", s.handleListActions)
			})

			// Change proposals.
			r.With(s.requireScopes(auth.ScopeChangesWrite), s.requireSession).Post("/changes", s.handleSubmitChanges)
			r.Group(func(r chi.Router) {
				r.Use(s.requireScopes(auth.ScopeChangesRead))
				r.Get("/changes", s.handleListChanges)
				r.Get("/submissions/{submissionID}", s.handleGetSubmission)
			})
			r.Group(func(r chi.Router) {
				r.Use(s.requireScopes(auth.ScopeChangesWrite))
				r.Use(s.requireManager)
				r.Post("/changes/{recordID}/accept", s.handleAcceptChange)
				r.Post("/changes/{recordID}/decline", s.handleDeclineChange)
				r.Post("/submissions/{submissionID}/accept", s.handleAcceptSubmission)
				r.Post("/submissions/{submissionID}/decline", s.handleDeclineSubmission)
			})

			// Notifications.
			r.Group(func(r chi.Router) {
				r.Use(s.requireScopes(auth.ScopeNotifications))
				r.Get("/notifications", s.handlePollNotification)
				r.Post("/notifications/ack", s.handleAckNotification)
			})
			r.Group(func(r chi.Router) {
				r.Use(s.requireScopes(auth.ScopeEventsRead))
				r.Get("/events", s.handleEvents)
				r.Get("/ws", s.handleWebSocket)
			})
		})
	})

	return r
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{
			"Authorization",
			"Content-Type",
			"Last-Event-ID",
			headerParticipantName,
			headerParticipantRole,
		},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler
}

// loggingMiddleware logs HTTP requests and records their latency.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(r.Method, strconv.Itoa(ww.Status()), elapsed.Seconds())
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
