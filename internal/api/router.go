// Package api provides the HTTP API of the status daemon.
package api

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/livestatus/livestatus/internal/api/handler"
	"github.com/livestatus/livestatus/internal/api/middleware"
	"github.com/livestatus/livestatus/internal/featureflags"
	"github.com/livestatus/livestatus/internal/provider/resilience"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	BuildTime   string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics

	Tracker            handler.Tracker
	Monitor            handler.HealthMonitor
	FeatureFlagService *featureflags.Service
	Registry           *resilience.Registry

	// PollMetrics feeds the poll counters of /v1/ops/status. Optional.
	PollMetrics func() map[string]any

	// ReadinessChecks are run by /v1/ops/ready and /v1/ops/status.
	ReadinessChecks map[string]handler.ReadinessCheck

	// RateLimit is the per-IP budget per minute for read endpoints
	// (default: middleware.StandardRateLimit).
	RateLimit int

	RequireTLS bool
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "statusd"
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))         // Structured logging
	r.Use(middleware.Recovery(cfg.Logger))       // Panic recovery
	r.Use(chimiddleware.RealIP)                  // Real IP extraction
	r.Use(middleware.SecurityHeaders)            // Security headers (HSTS, CSP, etc.)
	r.Use(middleware.RequireTLS(cfg.RequireTLS)) // TLS enforcement behind a load balancer
	r.Use(middleware.ContentTypeJSON)            // JSON content type
	r.Use(middleware.RequireJSON)                // JSON request bodies

	standard := middleware.StandardRateLimit
	if cfg.RateLimit > 0 {
		standard = middleware.PerMinute(cfg.RateLimit)
	}
	standardRateLimit := middleware.RateLimitByIP(standard)                          // reads
	refreshRateLimit := middleware.RateLimitByIP(middleware.RefreshRateLimit)        // 30 req/min
	resourceRateLimit := middleware.RateLimitByResource(middleware.RefreshRateLimit) // per resource
	adminRateLimit := middleware.RateLimitByIP(middleware.AdminRateLimit)            // 10 req/min

	opsHandler := handler.NewOpsHandler(handler.OpsConfig{
		Version:     cfg.Version,
		BuildTime:   cfg.BuildTime,
		Registry:    cfg.Registry,
		PollMetrics: cfg.PollMetrics,
		Flags:       cfg.FeatureFlagService,
		Checks:      cfg.ReadinessChecks,
	})

	r.Route("/v1", func(r chi.Router) {
		// Ops endpoints are not rate limited so probes never see 429.
		r.Route("/ops", func(r chi.Router) {
			r.Get("/health", opsHandler.HealthCheck)
			r.Get("/ready", opsHandler.ReadinessCheck)
			r.Get("/status", opsHandler.SystemStatus)
		})

		if cfg.Tracker != nil {
			resources := handler.NewResourcesHandler(cfg.Tracker, cfg.Logger)

			r.Route("/resources", func(r chi.Router) {
				r.With(standardRateLimit).Get("/", resources.ListResources)
				r.With(refreshRateLimit).Post("/", resources.TrackResource)
				r.Route("/{resourceId}", func(r chi.Router) {
					r.With(standardRateLimit).Get("/", resources.GetResource)
					r.With(refreshRateLimit).Delete("/", resources.UntrackResource)
					r.With(resourceRateLimit).Post("/refresh", resources.RefreshResource)
				})
			})

			r.With(refreshRateLimit).Post("/visibility", resources.Visible)
		}

		if cfg.Monitor != nil {
			health := handler.NewHealthHandler(cfg.Monitor)

			r.Route("/health", func(r chi.Router) {
				r.With(standardRateLimit).Get("/", health.GetHealth)
				r.With(refreshRateLimit).Post("/refresh", health.RefreshHealth)
			})
		}

		if cfg.FeatureFlagService != nil {
			flags := handler.NewFeatureFlagsHandler(cfg.FeatureFlagService, cfg.Logger)

			r.Route("/admin/feature-flags", func(r chi.Router) {
				r.Use(adminRateLimit)
				r.Get("/", flags.ListFeatureFlags)
				r.Put("/", flags.UpsertFeatureFlags)
				r.Delete("/{key}", flags.ResetFeatureFlag)
				r.Post("/invalidate", flags.InvalidateCache)
			})
		}
	})

	return r
}
