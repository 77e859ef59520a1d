package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/conductor/internal/clock"
	clog "github.com/mattjoyce/conductor/internal/log"
	"github.com/mattjoyce/conductor/internal/model"
)

// Server is the cue webhook HTTP server.
type Server struct {
	config Config
	clock  Clock
	logger *slog.Logger
	server *http.Server

	endpoints map[string]*EndpointConfig
}

func New(config Config, c Clock, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		clock:     c,
		logger:    clog.ForComponent(logger, "webhook"),
		endpoints: endpoints,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleCue)
	}
	return r
}

// loggingMiddleware never logs bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleCue(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := verifySignature(body, r.Header.Get(endpoint.SignatureHeader), endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature rejected", "path", r.URL.Path, "header", endpoint.SignatureHeader)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	var cue CueRequest
	if err := json.Unmarshal(body, &cue); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(endpoint.Commands) > 0 && !slices.Contains(endpoint.Commands, cue.Command) {
		s.respondError(w, http.StatusForbidden, fmt.Sprintf("command %q not allowed on this endpoint", cue.Command))
		return
	}

	state, err := s.run(r.Context(), endpoint.ProjectID, cue)
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			s.logger.Error("cue failed", "path", r.URL.Path, "command", cue.Command, "error", err)
			s.respondError(w, code, "internal error")
			return
		}
		s.respondError(w, code, err.Error())
		return
	}

	s.logger.Info("cue applied",
		"path", r.URL.Path,
		"project_id", endpoint.ProjectID,
		"command", cue.Command,
		"clock_version", state.Version,
	)
	s.respondJSON(w, http.StatusOK, state)
}

func (s *Server) run(ctx context.Context, projectID int64, cue CueRequest) (model.ClockState, error) {
	switch cue.Command {
	case clock.CmdStart:
		return s.clock.Start(ctx, projectID)
	case clock.CmdStop:
		return s.clock.Stop(ctx, projectID, cue.Seconds)
	case clock.CmdSetTime:
		if cue.Seconds == nil {
			return model.ClockState{}, fmt.Errorf("%w: seconds is required", model.ErrInvalidInput)
		}
		return s.clock.SetTime(ctx, projectID, *cue.Seconds)
	case clock.CmdSetTarget:
		if cue.TargetAt == nil {
			return model.ClockState{}, fmt.Errorf("%w: target_at is required", model.ErrInvalidInput)
		}
		return s.clock.SetTarget(ctx, projectID, *cue.TargetAt)
	case clock.CmdClearTarget:
		return s.clock.ClearTarget(ctx, projectID)
	default:
		return model.ClockState{}, fmt.Errorf("%w: unknown command %q", model.ErrInvalidInput, cue.Command)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
