package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/deck-assistant/internal/middleware"
	"github.com/capitalize-ai/deck-assistant/pkg/logger"
)

// RouterConfig carries the settings the router needs.
type RouterConfig struct {
	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	TurnLimitRequests int
	AllowedOrigins    []string
	// DecideScope, when set, is required on tokens that approve or reject.
	DecideScope string
}

// NewRouter wires every route.
func NewRouter(cfg RouterConfig, health *HealthHandler, documents *DocumentHandler, sessions *SessionHandler, log *logger.Logger) http.Handler {
	if cfg.RateLimitRequests <= 0 {
		cfg.RateLimitRequests = 60
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.TurnLimitRequests <= 0 {
		cfg.TurnLimitRequests = cfg.RateLimitRequests
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", documents.Create)
			r.Get("/", documents.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", documents.Get)

				r.Route("/threads/{threadId}", func(r chi.Router) {
					r.Get("/messages", sessions.Messages)
					r.Get("/live", sessions.Live)
					r.Get("/invocations/pending", sessions.Pending)
					r.With(requireScope(cfg.DecideScope)).Post("/invocations/{invocationId}/decision", sessions.Decide)

					r.Group(func(r chi.Router) {
						r.Use(middleware.UserRateLimit(cfg.TurnLimitRequests, cfg.RateLimitWindow))
						r.Post("/turns", sessions.Turn)
						r.Post("/frames", sessions.Ingest)
					})
				})
			})
		})
	})

	return r
}

func requireScope(scope string) func(http.Handler) http.Handler {
	if scope == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RequireScope(scope)
}
