// Package web serves the dashboard over HTTP: a rendered page, JSON
// state endpoints, a WebSocket live stream and a health check.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/homesim/internal/connwatch"
	"github.com/nugget/homesim/internal/dashboard"
)

// HealthSource reports broker connectivity. *connwatch.Manager
// satisfies it.
type HealthSource interface {
	Status() []connwatch.ServiceStatus
	Ready() bool
}

// Config wires a [Server].
type Config struct {
	Address string
	Port    int
	Model   *dashboard.Model
	Hub     *dashboard.Hub
	Health  HealthSource // optional; nil reports unavailable
	Logger  *slog.Logger
}

// Server is the dashboard HTTP server.
type Server struct {
	addr      string
	model     *dashboard.Model
	hub       *dashboard.Hub
	health    HealthSource
	templates map[string]*template.Template
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	server    *http.Server
}

// NewServer creates a server. Templates are parsed here so a broken
// template fails at startup.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hub == nil {
		cfg.Hub = dashboard.NewHub(cfg.Logger)
	}
	s := &Server{
		addr:      net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		model:     cfg.Model,
		hub:       cfg.Hub,
		health:    cfg.Health,
		templates: loadTemplates(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: cfg.Logger.With("component", "web"),
	}
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleDashboard)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.withLogging(mux)
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	s.logger.Info("starting dashboard server", "address", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server and disconnects live clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}
