package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"attendanced/internal/core"
	"attendanced/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Engine is the part of the job coordinator the HTTP layer drives.
type Engine interface {
	Trigger(ctx context.Context, action core.ActionKind) core.Ack
	Job(id string) (core.JobHandle, bool)
	Latest(action core.ActionKind) (core.JobHandle, bool)
	Accepting() bool
}

// History reads the attempt ledger.
type History interface {
	ListAttempts(ctx context.Context, filter store.Filter, limit, offset int) ([]*core.Attempt, error)
	GetAttempt(ctx context.Context, id string) (*core.Attempt, error)
}

// Schedule reports upcoming cron triggers.
type Schedule interface {
	Next(action core.ActionKind, now time.Time) (string, time.Time, bool)
}

// Options wires a Server. A nil Engine means automation is disabled.
type Options struct {
	Addr      string
	AuthToken string
	Engine    Engine
	History   History
	Schedule  Schedule
	MCP       http.Handler
	Logger    *slog.Logger
	Location  *time.Location
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	engine     Engine
	history    History
	schedule   Schedule
	mcp        http.Handler
	logger     *slog.Logger
	location   *time.Location
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	location := opts.Location
	if location == nil {
		location = time.Local
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:    router,
		engine:    opts.Engine,
		history:   opts.History,
		schedule:  opts.Schedule,
		mcp:       opts.MCP,
		logger:    logger,
		location:  location,
		authToken: opts.AuthToken,
	}
	router.Use(s.requestLogger)
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/", s.handleIndex)
	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}
		r.Get("/signin", s.handleTrigger(core.ActionSignIn))
		r.Post("/signin", s.handleTrigger(core.ActionSignIn))
		r.Get("/signout", s.handleTrigger(core.ActionSignOut))
		r.Post("/signout", s.handleTrigger(core.ActionSignOut))
	})

	if s.mcp != nil {
		var mcpHandler http.Handler = s.mcp
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/cron/preview", s.handleCronPreview)
		r.Get("/schedule", s.handleSchedule)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleLatestJobs)
			r.Get("/{jobID}", s.handleGetJob)
		})

		r.Route("/attempts", func(r chi.Router) {
			r.Get("/", s.handleListAttempts)
			r.Get("/{attemptID}", s.handleGetAttempt)
		})
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
