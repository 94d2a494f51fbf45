// Package api exposes guerite's small control surface: a wake trigger and
// the counter metrics.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rcarmo/guerite/internal/config"
	"github.com/rcarmo/guerite/internal/logging"
	"github.com/rcarmo/guerite/internal/metrics"
)

// Server is the optional authenticated control API.
type Server struct {
	settings *config.Settings
	log      *logging.Logger
	metrics  *metrics.Metrics
	trigger  func() // sets the HTTP-triggered flag and wakes the main loop

	srv *http.Server
}

// New creates the control API server.
func New(settings *config.Settings, log *logging.Logger, m *metrics.Metrics, trigger func()) *Server {
	s := &Server{settings: settings, log: log, metrics: m, trigger: trigger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/update", s.handleUpdate)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)

	s.srv = &http.Server{
		Addr:              net.JoinHostPort(settings.HTTPAPIHost, strconv.Itoa(settings.HTTPAPIPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.log.Info("control API listening", "addr", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("control API server failed", "error", err)
		}
	}()
}

// Stop shuts the server down with a short grace period.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("control API shutdown failed", "error", err)
	}
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// authorized enforces bearer-token auth when a token is configured.
func (s *Server) authorized(r *http.Request) bool {
	token := s.settings.HTTPAPIToken
	if token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.log.Info("update triggered via control API", "remote", r.RemoteAddr)
	s.trigger()
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "scheduled")
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.settings.HTTPAPIMetrics {
		http.Error(w, "metrics disabled", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, s.metrics.Render())
}
