package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/sandeepkv93/sso-session-core/internal/health"
	"github.com/sandeepkv93/sso-session-core/internal/http/handler"
	"github.com/sandeepkv93/sso-session-core/internal/http/middleware"
	"github.com/sandeepkv93/sso-session-core/internal/http/response"
	"github.com/sandeepkv93/sso-session-core/internal/security"
)

type Dependencies struct {
	SessionHandler *handler.SessionHandler
	EventsHandler  *handler.EventsHandler
	// AdminJWT nil leaves the session API unauthenticated.
	AdminJWT          *security.JWTManager
	Logger            *slog.Logger
	APIRateLimitRPM   int
	GlobalRateLimiter func(http.Handler) http.Handler
	Readiness         *health.ProbeRunner
	Metrics           *prometheus.Registry
	EnableOTelHTTP    bool
	// Idempotency nil disables Idempotency-Key handling.
	Idempotency IdempotencyMiddlewareFactory
}

type IdempotencyMiddlewareFactory func(scope string) func(http.Handler) http.Handler

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogging(dep.Logger))

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.Readiness == nil {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": []any{}})
			return
		}
		ready, results := dep.Readiness.Ready(r.Context())
		if ready {
			response.JSON(w, r, http.StatusOK, map[string]any{"status": "ready", "checks": results})
			return
		}
		response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", "dependencies are not ready", map[string]any{"checks": results})
	})
	if dep.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(dep.Metrics, promhttp.HandlerOpts{Registry: dep.Metrics}))
	}

	limiter := dep.GlobalRateLimiter
	if limiter == nil {
		limiter = middleware.NewRateLimiter("api", dep.APIRateLimitRPM, time.Minute).Middleware()
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.AdminAuth(dep.AdminJWT))
		r.Use(limiter)

		sh := dep.SessionHandler
		r.Route("/sessions", func(r chi.Router) {
			if dep.Idempotency != nil {
				r.With(dep.Idempotency("sessions.create")).Post("/", sh.Create)
			} else {
				r.Post("/", sh.Create)
			}
			r.Get("/stats", sh.Stats)
			if dep.EventsHandler != nil {
				r.Get("/events", dep.EventsHandler.Stream)
			}
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sh.Get)
				r.Delete("/", sh.Revoke)
				r.Post("/validate", sh.Validate)
				r.Post("/refresh", sh.Refresh)
				r.Post("/touch", sh.Touch)
			})
		})
		r.Route("/users/{userID}/sessions", func(r chi.Router) {
			r.Get("/", sh.ListUserSessions)
			r.Delete("/", sh.RevokeUserSessions)
			r.Post("/revoke-others", sh.RevokeOtherSessions)
		})
		r.Post("/refresh/pending", sh.RefreshPending)
	})

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
