package observability

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig configures the sidecar observability HTTP server.
type ServerConfig struct {
	ListenAddr  string // e.g. "127.0.0.1:9464".
	MetricsPath string // Default: "/metrics".
}

// Server exposes /healthz, /readyz, and /metrics over HTTP. The MCP wire
// runs over stdio, so operational endpoints get their own listener.
type Server struct {
	config  ServerConfig
	metrics *MetricsCollector
	health  *HealthChecker
	logger  *slog.Logger
	okapi   *okapi.Okapi
	server  *http.Server
}

// NewServer creates the observability HTTP server. metrics may be nil; the
// /metrics route is then omitted.
func NewServer(cfg ServerConfig, metrics *MetricsCollector, health *HealthChecker, logger *slog.Logger) *Server {
	return &Server{
		config:  cfg,
		metrics: metrics,
		health:  health,
		logger:  logger,
		okapi:   okapi.New(),
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

// Start registers routes and serves until Stop or listener failure.
func (s *Server) Start(ctx context.Context) error {
	s.okapi.Get("/healthz", s.handleLiveness)
	s.okapi.Get("/readyz", s.handleReadiness)

	if s.metrics != nil {
		path := s.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.okapi.HandleStd("GET", path, promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	}

	s.server = &http.Server{
		Addr:              s.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("observability server starting", slog.String("addr", s.config.ListenAddr))
	return s.okapi.StartServer(s.server)
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("observability server stopping")
	return s.okapi.Shutdown(s.server)
}

func (s *Server) handleLiveness(c *okapi.Context) error {
	return c.OK(&healthResponse{Status: "ok"})
}

func (s *Server) handleReadiness(c *okapi.Context) error {
	if s.health == nil {
		return c.OK(&healthResponse{Status: "ok"})
	}
	status := s.health.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
