// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/fluxsub/deadletter"
	"github.com/absmach/fluxsub/pool"
	"github.com/absmach/fluxsub/route"
)

const defaultListLimit = 100

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Engine is the view of the dispatch engine the server reports on.
type Engine interface {
	Ready() bool
	Active() bool
	Mode() string
	Saturated() bool
	RouteInfos() []route.Info
	Pools() []pool.Stats
}

// Server provides health check and introspection endpoints.
type Server struct {
	config   Config
	engine   Engine
	archive  deadletter.Archive
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a new health check server. archive may be nil, in which case
// /deadletters reports not found.
func New(cfg Config, eng Engine, archive deadletter.Archive, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		engine:  eng,
		archive: archive,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/routes", s.handleRoutes)
	mux.HandleFunc("/deadletters", s.handleDeadLetters)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns empty string if server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("starting health check server", slog.String("address", s.listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health check server shutdown error", slog.Any("error", err))
			return err
		}

		s.logger.Info("health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status    string `json:"status"`
	Mode      string `json:"mode,omitempty"`
	Saturated bool   `json:"saturated"`
	Details   string `json:"details,omitempty"`
}

// handleReady returns 200 OK once the engine consumes over a live
// connection.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "engine not initialized",
		})
		return
	}

	resp := ReadyResponse{
		Mode:      s.engine.Mode(),
		Saturated: s.engine.Saturated(),
	}
	switch {
	case !s.engine.Active():
		resp.Status = "not_ready"
		resp.Details = "engine not active"
	case !s.engine.Ready():
		resp.Status = "not_ready"
		resp.Details = "broker not connected"
	default:
		resp.Status = "ready"
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, resp)
}

// RoutesResponse lists the route table and its pools.
type RoutesResponse struct {
	Routes []route.Info `json:"routes"`
	Pools  []pool.Stats `json:"pools"`
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "engine not initialized", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, RoutesResponse{
		Routes: s.engine.RouteInfos(),
		Pools:  s.engine.Pools(),
	})
}

// DeadLettersResponse lists archived dead letters.
type DeadLettersResponse struct {
	Route   string             `json:"route,omitempty"`
	Entries []deadletter.Entry `json:"entries"`
}

// handleDeadLetters lists archived entries (GET ?route=&limit=) or removes
// one (DELETE ?id=).
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		http.Error(w, "dead-letter archive not configured", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.listDeadLetters(w, r)
	case http.MethodDelete:
		s.deleteDeadLetter(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if id := q.Get("id"); id != "" {
		e, err := s.archive.Get(id)
		if err != nil {
			s.archiveError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
		return
	}

	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	rt := q.Get("route")
	entries, err := s.archive.List(rt, limit)
	if err != nil {
		s.archiveError(w, err)
		return
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	writeJSON(w, http.StatusOK, DeadLettersResponse{Route: rt, Entries: entries})
}

func (s *Server) deleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	if err := s.archive.Delete(id); err != nil {
		s.archiveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) archiveError(w http.ResponseWriter, err error) {
	if errors.Is(err, deadletter.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Error("dead-letter archive error", slog.Any("error", err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
