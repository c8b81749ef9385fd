// Package api exposes the decision engine over HTTP.
package api

import (
	"context"

	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/engine"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/oracle"
	"github.com/danielpatrickdp/hearing-oral/go-controller/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// #region server
// Server holds the engine and the collaborators the handlers need.
type Server struct {
	eng     *engine.Engine
	metrics *telemetry.Metrics
	logger  *zap.Logger
	ping    func(context.Context) error
	breaker *oracle.Breaker
	rps     float64
	burst   int
}

// Option configures a Server.
type Option func(*Server)

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Server) { s.metrics = m } }
func WithLogger(l *zap.Logger) Option         { return func(s *Server) { s.logger = l } }

// WithPing sets the storage check behind /healthz.
func WithPing(fn func(context.Context) error) Option { return func(s *Server) { s.ping = fn } }

// WithBreaker exposes the oracle circuit breaker state on /v1/status.
func WithBreaker(b *oracle.Breaker) Option { return func(s *Server) { s.breaker = b } }

// WithRateLimit limits requests per client address. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.rps, s.burst = rps, burst }
}

func NewServer(eng *engine.Engine, opts ...Option) *Server {
	s := &Server{eng: eng, logger: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.Named("api")
	return s
}

// #endregion server

// #region routes
// Router builds the chi router.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.observe)
	r.Use(middleware.Recoverer)
	if s.rps > 0 {
		r.Use(rateLimit(s.rps, s.burst))
	}

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/cycles", s.runCycle)
		r.Post("/feedback", s.feedback)
		r.Post("/override", s.override)
		r.Get("/status", s.status)

		r.Route("/presets", func(r chi.Router) {
			r.Get("/", s.presets)
			r.Post("/{name}", s.selectPreset)
		})

		r.Route("/decisions", func(r chi.Router) {
			r.Get("/", s.history)
			r.Get("/current", s.current)
			r.Post("/{id}/revert", s.revert)
		})

		r.Get("/audit", s.auditLog)
		r.Get("/audit/verify", s.verifyAudit)
		r.Get("/rankings", s.rankings)
		r.Get("/bounds", s.bounds)
	})

	return r
}

// #endregion routes
