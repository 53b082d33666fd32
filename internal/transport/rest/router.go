package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mlevkov/command-platform/internal/security"
)

type RouterDeps struct {
	Handler *Handler

	// Limiter is optional; nil disables rate limiting.
	Limiter    RateLimiter
	RateLimit  int
	RateWindow time.Duration

	// Verifier is optional; nil leaves the API unauthenticated.
	Verifier  security.AccessTokenVerifier
	JWTIssuer string

	// Metrics is the scrape endpoint handler, typically promhttp.Handler().
	Metrics http.Handler
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}

	r := chi.NewRouter()

	// Request ID + structured access log + metrics
	r.Use(RequestID)
	r.Use(HTTPLogger)
	r.Use(Metrics)

	// Panic recovery
	r.Use(middleware.Recoverer)

	// Cross-cutting
	if d.Limiter != nil {
		r.Use(RateLimitMiddleware(d.Limiter, d.RateLimit, d.RateWindow))
	}
	r.Use(SecurityHeaders)

	r.Get("/healthz", d.Handler.Health)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if d.Verifier != nil {
			r.Use(AuthMiddleware(d.Verifier, AuthOptions{ExpectedIssuer: d.JWTIssuer}))
		}

		r.Post("/commands", d.Handler.CreateCommand)
		r.Get("/commands/{commandID}", d.Handler.GetCommand)

		r.Post("/processes", d.Handler.StartProcess)
		r.Get("/processes/{processID}", d.Handler.GetProcess)

		r.Get("/dlq", d.Handler.ListDLQ)
	})

	return r
}
