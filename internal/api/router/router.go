package router

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/noshow-platform/internal/appointments"
	"github.com/wolfman30/noshow-platform/internal/billing"
	httpmiddleware "github.com/wolfman30/noshow-platform/internal/http/middleware"
	"github.com/wolfman30/noshow-platform/internal/jobs"
	"github.com/wolfman30/noshow-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Appointments       *appointments.Handler
	Billing            *billing.Handler
	Cron               *jobs.Handler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	CronSecret      string
	ClinicJWTSecret string
	// AllowClinicHeader resolves the tenant from X-Clinic-Id when no token
	// secret is configured. Development only.
	AllowClinicHeader bool

	// Per-clinic request budget of the staff API. Zero disables limiting.
	APIRateLimit float64
	APIRateBurst int

	// HealthCheck reports storage readiness. Nil means always healthy.
	HealthCheck func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}

	r.Group(func(public chi.Router) {
		public.Get("/health", health(cfg.HealthCheck))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	if cfg.Cron != nil {
		r.Route("/cron", func(cron chi.Router) {
			cron.Use(httpmiddleware.CronSecret(cfg.CronSecret))
			cfg.Cron.RegisterRoutes(cron)
		})
	}

	r.Route("/api", func(api chi.Router) {
		switch {
		case cfg.ClinicJWTSecret != "":
			api.Use(httpmiddleware.ClinicJWT(cfg.ClinicJWTSecret))
		case cfg.AllowClinicHeader:
			api.Use(requireClinicHeader)
		default:
			// No way to resolve a tenant: every call is rejected.
			api.Use(httpmiddleware.ClinicJWT(""))
		}
		if cfg.APIRateLimit > 0 {
			api.Use(httpmiddleware.RateLimit(cfg.APIRateLimit, cfg.APIRateBurst))
		}
		if cfg.Appointments != nil {
			cfg.Appointments.RegisterRoutes(api)
		}
		if cfg.Billing != nil {
			cfg.Billing.RegisterRoutes(api)
		}
	})

	return r
}

func health(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if check != nil {
			if err := check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
				return
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
