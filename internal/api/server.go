// Package api exposes the rollout over HTTP: status and routing reads,
// deployment lifecycle commands, history queries, Prometheus metrics
// and a websocket event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/braincanary/braincanary/internal/config"
	"github.com/braincanary/braincanary/internal/controller"
	"github.com/braincanary/braincanary/internal/deploy"
	"github.com/braincanary/braincanary/internal/events"
	"github.com/braincanary/braincanary/internal/persistence"
)

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns a local-only listener on 8080.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server serves the rollout API.
type Server struct {
	router *mux.Router
	server *http.Server
	svc    *deploy.Service
	hub    *wsHub
	cfg    ServerConfig
}

// NewServer wires the routes over a deploy service, an event bus for
// the websocket stream and a metrics gatherer.
func NewServer(cfg ServerConfig, svc *deploy.Service, bus *events.Bus, gatherer prometheus.Gatherer) *Server {
	s := &Server{
		router: mux.NewRouter(),
		svc:    svc,
		hub:    newWSHub(bus),
		cfg:    cfg,
	}
	s.setupRoutes(gatherer)
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/v1/ws", s.hub.handleUpgrade).Methods("GET")

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/route", s.handleRoute).Methods("GET")
	api.HandleFunc("/deployments", s.handleStartDeployment).Methods("POST")
	api.HandleFunc("/deployments", s.handleListDeployments).Methods("GET")
	api.HandleFunc("/deployments/current/pause", s.handlePause).Methods("POST")
	api.HandleFunc("/deployments/current/resume", s.handleResume).Methods("POST")
	api.HandleFunc("/deployments/current/promote", s.handlePromote).Methods("POST")
	api.HandleFunc("/deployments/current/rollback", s.handleRollback).Methods("POST")
	api.HandleFunc("/deployments/{id}/transitions", s.handleTransitions).Methods("GET")
	api.HandleFunc("/deployments/{id}/events", s.handleEvents).Methods("GET")
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start runs the websocket hub and blocks serving HTTP.
func (s *Server) Start() error {
	s.hub.start()
	log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections and stops the websocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", wrapper.status).Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, config.ErrInvalidConfig):
		code = http.StatusBadRequest
	case errors.Is(err, persistence.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, controller.ErrNoDeployment),
		errors.Is(err, controller.ErrInvalidTransition),
		errors.Is(err, controller.ErrGatesNotPassing):
		code = http.StatusConflict
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}
