// Package api is the HTTP control surface: the legacy HTML console, the
// authenticated JSON API, program uploads, an SSE event feed and the
// unauthenticated ops endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/plcgw/internal/auth"
	"github.com/mattjoyce/plcgw/internal/build"
	"github.com/mattjoyce/plcgw/internal/events"
	"github.com/mattjoyce/plcgw/internal/history"
	"github.com/mattjoyce/plcgw/internal/lifecycle"
)

//go:generate mockgen -destination=mocks/mock_api.go -package=mocks github.com/mattjoyce/plcgw/internal/api Controller,BuildHistory

// Controller is the lifecycle entry points the surface drives.
type Controller interface {
	RequestStart() error
	RequestStop() error
	RequestReplace(ctx context.Context, src build.Source) (*build.Run, error)
	Status() lifecycle.Status
}

// BuildHistory looks up recorded build runs and runtime actions.
type BuildHistory interface {
	ListRuns(ctx context.Context, limit int) ([]history.RunRecord, error)
	GetRun(ctx context.Context, id string) (*history.RunRecord, error)
	ListRuntime(ctx context.Context, limit int) ([]history.RuntimeEntry, error)
}

// EventSource feeds the SSE endpoint.
type EventSource interface {
	Since(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Console enables the unauthenticated HTML console.
	Console bool
	// APIKey is the admin bearer token (scope "*").
	APIKey string
	Tokens []auth.TokenConfig
	// UploadsDir receives uploaded program sources.
	UploadsDir     string
	MaxUploadBytes int64
}

// writeTimeout bounds ordinary responses. Routes that stream or wait on a
// build lift it with clearWriteDeadline.
const writeTimeout = 30 * time.Second

// Server represents the HTTP control surface.
type Server struct {
	config  Config
	ctrl    Controller
	history BuildHistory
	events  EventSource
	metrics http.Handler
	logger  *slog.Logger
	server  *http.Server
	// base is the service context; builds started over HTTP end with it.
	base      context.Context
	startedAt time.Time
}

// New creates a Server. history, events and metrics may be nil; their
// routes then answer 503 or are not mounted.
func New(config Config, ctrl Controller, hist BuildHistory, ev EventSource, metrics http.Handler, logger *slog.Logger) *Server {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = 8 << 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		ctrl:      ctrl,
		history:   hist,
		events:    ev,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.base = ctx
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "console", s.config.Console)

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

func (s *Server) serviceContext() context.Context {
	if s.base == nil {
		return context.Background()
	}
	return s.base
}

// clearWriteDeadline removes the server write timeout for the rest of the
// response. Writers without deadline support are left alone.
func clearWriteDeadline(w http.ResponseWriter) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	if s.config.Console {
		r.Get("/", s.handleConsole)
		r.Get("/run", s.handleConsoleRun)
		r.Get("/stop", s.handleConsoleStop)
		r.Post("/api/upload", s.handleConsoleUpload)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeRuntimeRO)).Get("/status", s.handleStatus)
		r.With(s.requireScopes(auth.ScopeRuntimeRW)).Post("/runtime/start", s.handleRuntimeStart)
		r.With(s.requireScopes(auth.ScopeRuntimeRW)).Post("/runtime/stop", s.handleRuntimeStop)
		r.With(s.requireScopes(auth.ScopeRuntimeRO)).Get("/runtime/log", s.handleRuntimeLog)
		r.With(s.requireScopes(auth.ScopeProgramRW)).Post("/program", s.handleProgramUpload)
		r.With(s.requireScopes(auth.ScopeRuntimeRO)).Get("/builds", s.handleListBuilds)
		r.With(s.requireScopes(auth.ScopeRuntimeRO)).Get("/builds/{runID}", s.handleGetBuild)
		r.With(s.requireScopes(auth.ScopeRuntimeRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
