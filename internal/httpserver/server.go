package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/talerforge/merchant/internal/config"
	"github.com/talerforge/merchant/internal/instance"
	"github.com/talerforge/merchant/internal/logger"
	"github.com/talerforge/merchant/internal/longpoll"
	"github.com/talerforge/merchant/internal/metrics"
	"github.com/talerforge/merchant/internal/pay"
	"github.com/talerforge/merchant/internal/ratelimit"
	"github.com/talerforge/merchant/internal/refund"
	"github.com/talerforge/merchant/internal/storage"
	"github.com/talerforge/merchant/internal/versioning"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg       *config.Config
	instances *instance.Registry
	pay       *pay.Service
	refund    *refund.Service
	hub       *longpoll.Hub
	store     storage.Store
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, instances *instance.Registry, paySvc *pay.Service, refundSvc *refund.Service, hub *longpoll.Hub, store storage.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:       cfg,
			instances: instances,
			pay:       paySvc,
			refund:    refundSvc,
			hub:       hub,
			store:     store,
			metrics:   metricsCollector,
			logger:    appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	s.configureRouter(router)
	return s
}

func (s *Server) configureRouter(router chi.Router) {
	cfg := s.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(versioning.Negotiation)

	router.Use(ratelimit.Limiter(ratelimit.Config{
		Enabled: cfg.RateLimit.Enabled,
		Limit:   cfg.RateLimit.Limit,
		Window:  cfg.RateLimit.Window.Duration,
	}))

	// Lightweight endpoints with a short timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", s.health)
		r.With(adminMetricsAuth(cfg.Server.MetricsAPIKey)).Handle("/metrics", promhttp.Handler())
	})

	// Payment endpoints. No chi timeout here: /pay bounds itself via the
	// payment deadline and /check-payment suspends on purpose.
	mount := func(r chi.Router) {
		r.Post("/pay", s.handlePay)
		r.Post("/refund", s.handleRefundIncrease)
		r.Get("/refund", s.handleRefundLookup)
		r.Get("/check-payment", s.handleCheckPayment)
	}
	router.Group(mount)
	router.Route("/instances/{instance}", mount)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
