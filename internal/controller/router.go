package controller

import (
	"time"

	"github.com/cassiomorais/checkoutsync/internal/infrastructure/config"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/observability"
	customMW "github.com/cassiomorais/checkoutsync/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	Reconciler        Reconciler
	HealthChecks      []HealthCheck
	Metrics           *observability.Metrics
	Gatherer          prometheus.Gatherer
	CORSConfig        config.CORSConfig
	Session           customMW.SessionConfig
	JWTSecret         string
	CallbackRateLimit int
}

func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(customMW.Tracing())
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(customMW.SecurityHeaders())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.CORSConfig.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", customMW.SessionHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: deps.CORSConfig.AllowCredentials,
		MaxAge:           300,
	}))
	if deps.Metrics != nil {
		r.Use(customMW.Metrics(deps.Metrics))
	}

	healthH := NewHealthController(deps.HealthChecks...)
	checkoutH := NewCheckoutController(deps.Reconciler)
	sessionH := NewSessionController(deps.Reconciler)
	appointmentH := NewAppointmentController(deps.Reconciler)

	r.Get("/health", healthH.Health)
	r.Get("/health/live", healthH.Liveness)
	r.Get("/health/ready", healthH.Readiness)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	sessionMW := customMW.Session(deps.Session)
	requireAuth := customMW.RequireAuth(deps.JWTSecret)

	// The processor redirects the browser here after approval.
	r.With(customMW.CallbackRateLimit(callbackLimit(deps.CallbackRateLimit)), sessionMW, customMW.OptionalAuth(deps.JWTSecret)).
		Get("/checkout/return", checkoutH.Return)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(sessionMW)

		// Checkouts
		r.With(customMW.OptionalAuth(deps.JWTSecret)).Post("/checkouts", checkoutH.Initiate)

		// Session
		r.With(requireAuth).Post("/session/identity", sessionH.Identity)
		r.Delete("/session", sessionH.End)

		// Appointments
		r.With(requireAuth).Post("/appointments/{id}/payment/fix", appointmentH.Fix)
		r.With(customMW.OptionalAuth(deps.JWTSecret)).Get("/appointments/{id}/payment/status", appointmentH.Status)
	})

	return r
}

func callbackLimit(perMinute int) int {
	if perMinute <= 0 {
		return 60
	}
	return perMinute
}
