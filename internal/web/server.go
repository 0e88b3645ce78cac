// Package web serves the node's configuration interface: a JSON API over the
// registry and feature flags, plus a WebSocket feed of node events.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"homenode/internal/node"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version reported by /api/info.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP handler for the configuration interface.
type Server struct {
	node           *node.Node
	router         chi.Router
	wsHub          *WSHub
	logger         *slog.Logger
	allowedOrigins []string
	version        string
	storeSize      int
	startedAt      time.Time
	unsubEvents    func()
}

// NewServer creates the handler and subscribes its WebSocket hub to the
// node's events. storeSize is reported by /api/info.
func NewServer(n *node.Node, storeSize int, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		node:      n,
		logger:    logger.With("component", "web"),
		storeSize: storeSize,
		version:   "dev",
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.unsubEvents = n.Events().Subscribe(s.wsHub.Publish)

	s.routes()
	return s
}

// Stop unsubscribes from the node and disconnects WebSocket clients.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Close()
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/info", s.handleInfo)

		r.Get("/devices", s.handleListDevices)
		r.Post("/devices", s.handleAddDevice)
		r.Delete("/devices", s.handleDeleteAllDevices)
		r.Delete("/devices/{name}", s.handleDeleteDevice)
		r.Put("/devices/{name}/state", s.handleSetDeviceState)

		r.Get("/controls", s.handleGetControls)
		r.Put("/controls", s.handleSetControls)

		r.Post("/restart", s.handleRestart)
	})

	r.Get("/ws", s.handleWS)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
