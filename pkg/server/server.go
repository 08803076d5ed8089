// Package server is the HTTP facade: chi routing, auth, CORS, per-client
// rate limiting, admission control, body limits, and the SSE lifecycle.
// Each request gets a short-lived coordinator, closed when the request ends.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/modelgate/modelgate/pkg/auth"
	"github.com/modelgate/modelgate/pkg/compat"
	"github.com/modelgate/modelgate/pkg/config"
	"github.com/modelgate/modelgate/pkg/coordinator"
	"github.com/modelgate/modelgate/pkg/logger"
	"github.com/modelgate/modelgate/pkg/observability"
	"github.com/modelgate/modelgate/pkg/plugins"
	"github.com/modelgate/modelgate/pkg/ratelimit"
)

// Server hosts the gateway endpoints.
type Server struct {
	cfg      *config.ServerConfig
	registry *plugins.Registry
	compats  *compat.Registry
	sinks    *logger.SinkManager
	logger   *slog.Logger

	metrics    *observability.Metrics
	validator  *auth.Validator
	limiter    *ratelimit.Limiter
	admissions map[string]*admission

	server *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithAuthValidator overrides the validator built from config, for callers
// providing static keys.
func WithAuthValidator(v *auth.Validator) Option {
	return func(s *Server) { s.validator = v }
}

// WithMetrics overrides the metrics set, so embedders can share a registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New builds a server over the shared registry and compat table.
func New(cfg *config.Config, registry *plugins.Registry, compats *compat.Registry, sinks *logger.SinkManager, log *slog.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:      &cfg.Server,
		registry: registry,
		compats:  compats,
		sinks:    sinks,
		logger:   log,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observability.New()
	}

	if s.validator == nil && s.cfg.Auth != nil && config.BoolValue(s.cfg.Auth.Enabled, false) {
		validator, err := auth.New(s.cfg.Auth.JWKSURL, s.cfg.Auth.Issuer, s.cfg.Auth.Audience)
		if err != nil {
			return nil, fmt.Errorf("failed to build auth validator: %w", err)
		}
		s.validator = validator
	}
	if s.cfg.RateLimit != nil && config.BoolValue(s.cfg.RateLimit.Enabled, false) {
		s.limiter = ratelimit.New(s.cfg.RateLimit.RequestsPerSecond, s.cfg.RateLimit.Burst)
	}

	s.admissions = map[string]*admission{
		classLLMRun:       newAdmission(classLLMRun, s.cfg.Admission.Run, s.metrics),
		classLLMStream:    newAdmission(classLLMStream, s.cfg.Admission.Stream, s.metrics),
		classVectorRun:    newAdmission(classVectorRun, s.cfg.Admission.VectorRun, s.metrics),
		classVectorStream: newAdmission(classVectorStream, s.cfg.Admission.VectorStream, s.metrics),
		classEmbeddingRun: newAdmission(classEmbeddingRun, s.cfg.Admission.EmbeddingRun, s.metrics),
	}
	return s, nil
}

func (s *Server) newCoordinator() *coordinator.Coordinator {
	return coordinator.New(s.registry, s.compats, s.sinks, s.logger)
}

// Router assembles the middleware chain and routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(securityHeaders)
	r.Use(s.corsMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.authMiddleware)
	r.Use(s.rateLimitMiddleware)
	r.Use(requireJSON)

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "unknown endpoint")
	})

	r.Post("/run", s.handleRun)
	r.Post("/stream", s.handleStream)
	r.Post("/vector/run", s.handleVectorRun)
	r.Post("/vector/stream", s.handleVectorStream)
	r.Post("/vector/embeddings/run", s.handleEmbeddings)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Start serves until the context is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.cfg.Address(),
		Handler:     s.Router(),
		ReadTimeout: s.cfg.BodyReadTimeout,
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("http server starting", "address", s.cfg.Address())

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS != nil && config.BoolValue(s.cfg.TLS.Enabled, false) {
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown drains in-flight requests within the configured grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()
	err := s.server.Shutdown(shutdownCtx)
	if s.validator != nil {
		s.validator.Close()
	}
	return err
}
