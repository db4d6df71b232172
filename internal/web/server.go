// Package web exposes the thin JSON control surface: health, live
// system_config reads/writes, and an SSE feed of the event hub. The
// control API intentionally stays shallow — reporting, scanning, and
// account/rule/task management are driven by the scheduler and the
// operator's own tooling against the database, not by a REST layer.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/bilisentinel/orchestrator/internal/events"
	"github.com/bilisentinel/orchestrator/internal/sysconfig"
)

// Server is the control-plane HTTP server.
type Server struct {
	cfg    *sysconfig.Store
	hub    *events.Hub
	mux    *http.ServeMux
	server *http.Server
}

// New creates a Server bound to port. cfg is the validated system_config
// surface; hub is the shared event stream.
func New(port int, cfg *sysconfig.Store, hub *events.Hub) *Server {
	s := &Server{cfg: cfg, hub: hub, mux: http.NewServeMux()}
	s.registerRoutes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE needs no write timeout
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /config", s.handleConfigList)
	s.mux.HandleFunc("GET /config/{key}", s.handleConfigGet)
	s.mux.HandleFunc("PUT /config/{key}", s.handleConfigPut)
	s.mux.HandleFunc("GET /events/stream", s.handleEventsStream)
}

// Start begins serving HTTP requests. It blocks until the server is shut down.
func (s *Server) Start() error {
	log.Printf("control API listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
