// Package server exposes health, version and metrics endpoints while a run
// is active.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/3leaps/climgrid/internal/server/handlers"
	"github.com/3leaps/climgrid/internal/server/middleware"
)

// Config configures a Server.
type Config struct {
	// Addr is the listen address, e.g. 127.0.0.1:9090. Port 0 picks a free
	// port; Addr reports it after Start.
	Addr string

	Version handlers.VersionInfo

	// Gatherer backs /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// ReadTimeout bounds reading a request. Default: 10s
	ReadTimeout time.Duration

	Logger *zap.Logger
}

// Server is the run's HTTP server.
type Server struct {
	cfg    Config
	log    *zap.Logger
	health *handlers.HealthManager
	router chi.Router
	http   *http.Server

	mu   sync.Mutex
	ln   net.Listener
	done chan struct{}
}

// New builds the router. Nothing listens until Start.
func New(cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		cfg:    cfg,
		log:    log,
		health: handlers.NewHealthManager(cfg.Version.Version),
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Recoverer(s.log))

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	r.Get("/healthz", s.health.HealthHandler)
	r.Get("/healthz/live", s.health.LivenessHandler)
	r.Get("/healthz/ready", s.health.HealthHandler)
	r.Get("/version", handlers.VersionHandler(s.cfg.Version))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Health returns the manager that /healthz reports from.
func (s *Server) Health() *handlers.HealthManager { return s.health }

// Start listens and serves in the background. It returns once the listener
// is bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.done = make(chan struct{})

	s.log.Info("Serving metrics", zap.String("addr", ln.Addr().String()))
	go func() {
		defer close(s.done)
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr is the bound address after Start, or the configured one before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.cfg.Addr
}

// Shutdown drains connections within ctx. It is a no-op before Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	if err := s.http.Shutdown(ctx); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
