// Package api provides the local observer surface: graph state, event
// streaming and job control over HTTP.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer creates a new API server. Extra middleware (such as bearer
// auth) runs after the built-in CORS, logging and recovery middleware.
func NewServer(h *Handlers, extra ...mux.MiddlewareFunc) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
	}
	s.setupRoutes(extra...)
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes(extra ...mux.MiddlewareFunc) {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")

	// Prometheus metrics
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Graph state and events
	api.HandleFunc("/graphs", s.handlers.ListGraphs).Methods("GET")
	api.HandleFunc("/graphs/generate", s.handlers.GenerateGraph).Methods("POST")
	api.HandleFunc("/graphs/validate", s.handlers.ValidateGraph).Methods("POST")
	api.HandleFunc("/graphs/{id}", s.handlers.GetGraph).Methods("GET")
	api.HandleFunc("/graphs/{id}/state", s.handlers.GetGraphState).Methods("GET")
	api.HandleFunc("/graphs/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Job surface
	api.HandleFunc("/jobs", s.handlers.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/current", s.handlers.CurrentJob).Methods("GET")
	api.HandleFunc("/jobs/current/stop", s.handlers.StopCurrent).Methods("POST")

	// Agent profiles
	api.HandleFunc("/profiles", s.handlers.ListProfiles).Methods("GET")
	api.HandleFunc("/profiles", s.handlers.CreateProfile).Methods("POST")
	api.HandleFunc("/profiles/{name}", s.handlers.GetProfile).Methods("GET")
	api.HandleFunc("/profiles/{name}", s.handlers.DeleteProfile).Methods("DELETE")

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
	for _, mw := range extra {
		s.router.Use(mw)
	}
}
