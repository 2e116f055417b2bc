// Package server exposes the script store and run pipeline over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/runpad/runpad/internal/config"
	"github.com/runpad/runpad/internal/run"
	"github.com/runpad/runpad/internal/storage"
)

// Server is the HTTP server for the runpad web API.
type Server struct {
	cfg    *config.Config
	store  storage.Store
	runs   *run.Service
	router chi.Router
	http   *http.Server
	log    *zap.Logger
}

// New creates a new Server.
func New(cfg *config.Config, store storage.Store, runs *run.Service, log *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		runs:   runs,
		router: chi.NewRouter(),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		// Scripts
		r.Get("/scripts", s.handleListScripts)

		// Runs: subscription needs only the runId (it is the
		// capability); lookup likewise.
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/events", s.handleRunEvents)

		// Mutating routes pass the access gate first.
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/scripts", s.handleUploadScript)
			r.Delete("/scripts/{name}", s.handleDeleteScript)
			r.Post("/runs", s.handleSubmitRun)
		})
	})

	// SPA fallback
	r.Handle("/*", spaHandler())
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		// Log the route pattern, not the raw path: runIds are bearer
		// secrets and must stay out of logs.
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

// Handler returns the root handler (useful for tests).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.log.Info("runpad server starting", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
