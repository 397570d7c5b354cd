// Package server exposes the repository over HTTP: a REST API for one-shot
// pages and the write path, and a WebSocket stream for browsing sessions.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/herbarium/internal/metrics"
	"github.com/HerbHall/herbarium/internal/repository"
	"github.com/HerbHall/herbarium/internal/version"
)

// Config controls the listener and request limits.
type Config struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	RateLimit      float64  `mapstructure:"rate_limit"`
	RateBurst      int      `mapstructure:"rate_burst"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server is the Herbarium HTTP server.
type Server struct {
	cfg        Config
	httpServer *http.Server
	repo       *repository.Repository
	metrics    *metrics.Metrics
	logger     *zap.Logger
	mux        *http.ServeMux

	listener   net.Listener
	serveErr   chan error
	cancelBase context.CancelFunc
}

// New creates a Server. m may be nil to disable instrumentation.
func New(cfg Config, repo *repository.Repository, m *metrics.Metrics, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		repo:       repo,
		metrics:    m,
		logger:     logger,
		mux:        mux,
		serveErr:   make(chan error, 1),
		cancelBase: cancel,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/records", s.handleListRecords)
	s.mux.HandleFunc("POST /api/v1/records", s.handleCreateRecord)
	s.mux.HandleFunc("GET /api/v1/records/stream", s.handleStream)
	s.mux.HandleFunc("GET /api/v1/records/{id}", s.handleGetRecord)
	s.mux.HandleFunc("PUT /api/v1/records/{id}", s.handleUpdateRecord)
	s.mux.HandleFunc("DELETE /api/v1/records/{id}", s.handleDeleteRecord)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = rateLimit(s.cfg.RateLimit, s.cfg.RateBurst, h)
	h = s.instrument(h)
	return h
}

func (s *Server) Name() string { return "http" }

// Start binds the listener and serves in the background. Bind errors are
// returned directly; later serve errors are reported by Err.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.serveErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(s.serveErr)
	}()
	return nil
}

// Err delivers a fatal serve error, if any, and is closed when serving ends.
func (s *Server) Err() <-chan error { return s.serveErr }

// ListenAddr returns the bound address once Start has succeeded.
func (s *Server) ListenAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down. Shutdown does not track hijacked
// connections, so open streams are ended by canceling the base context.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	s.cancelBase()
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version version.BuildInfo `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("X-Herbarium-Version", version.Short())
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Service: "herbarium",
		Version: version.Get(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs unexpected failures and writes the matching problem.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	WriteProblem(w, NewProblem(status, err.Error(), r.URL.Path))
}
