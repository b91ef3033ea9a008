// Package gateway is the daemon's transport surface: the HTTP API for
// conversations and message ingest, the WebSocket stream socket, and the
// connection liveness monitor.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/conversation"
	"github.com/parleyhq/parley/internal/orchestrator"
	"github.com/parleyhq/parley/internal/routing"
	"github.com/parleyhq/parley/internal/stream"
)

// Config tunes the server.
type Config struct {
	Host              string
	Port              int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Server owns the HTTP listener and the liveness monitor.
type Server struct {
	config   Config
	store    conversation.Store
	orch     *orchestrator.Orchestrator
	registry *stream.Registry
	tracker  *stream.Tracker
	router   *routing.Router
	monitor  *Monitor
	metrics  *Metrics
	logger   *slog.Logger

	httpServer *http.Server
	cancelRun  context.CancelFunc
}

// NewServer wires the transport surface over an already-built core.
func NewServer(config Config, store conversation.Store, orch *orchestrator.Orchestrator,
	registry *stream.Registry, tracker *stream.Tracker, router *routing.Router,
	logger *slog.Logger) *Server {

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	metrics := NewMetrics(func() float64 { return float64(tracker.Len()) })
	metrics.Registry.MustRegister(orch.Collectors()...)
	monitor := NewMonitor(registry, tracker, metrics,
		config.HeartbeatInterval, config.HeartbeatTimeout, logger)
	// The monitor tracks every open streaming connection, including ones that
	// have not subscribed yet, so it is the authority for the grace wait.
	orch.SetConnectionCounter(monitor.ConnCount)

	return &Server{
		config:   config,
		store:    store,
		orch:     orch,
		registry: registry,
		tracker:  tracker,
		router:   router,
		monitor:  monitor,
		metrics:  metrics,
		logger:   logger,
	}
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	go s.monitor.Run(runCtx)

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("gateway listening", "addr", addr)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests, drains in-flight executions, and stops
// the monitor.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelRun != nil {
		s.cancelRun()
	}
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.orch.Wait()
	return err
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// LivenessMonitor exposes the monitor for tests and for wiring checks.
func (s *Server) LivenessMonitor() *Monitor {
	return s.monitor
}
