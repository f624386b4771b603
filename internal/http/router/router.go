// Package router assembles the HTTP surface: gateway webhooks, the agent
// inbox API, tenant settings and the realtime socket.
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-inbox/internal/clinic"
	"github.com/wolfman30/clinic-inbox/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-inbox/internal/http/middleware"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Config holds router dependencies. Nil handlers leave their routes out.
type Config struct {
	Logger        *logging.Logger
	Webhooks      *handlers.WebhookHandler
	Inbox         *handlers.InboxHandler
	ClinicHandler *clinic.Handler
	Realtime      http.Handler
	Metrics       http.Handler
	// HealthChecks are run by /health; any failure reports 503.
	HealthChecks map[string]HealthCheck

	JWTSecret          string
	CORSAllowedOrigins []string
	// WebhookLimiter and APILimiter are optional.
	WebhookLimiter *httpmiddleware.RateLimiter
	APILimiter     *httpmiddleware.RateLimiter
}

// New creates the chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}

	r.Get("/health", healthHandler(cfg.HealthChecks))
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	if cfg.Realtime != nil {
		r.Handle("/ws", cfg.Realtime)
	}

	if cfg.Webhooks != nil {
		r.Group(func(public chi.Router) {
			if cfg.WebhookLimiter != nil {
				public.Use(httpmiddleware.RateLimit(cfg.WebhookLimiter, httpmiddleware.ByIP))
			}
			public.Post("/webhooks/{provider}", cfg.Webhooks.Handle)
		})
	}

	r.Group(func(agent chi.Router) {
		agent.Use(httpmiddleware.AgentJWT(cfg.JWTSecret))
		if cfg.APILimiter != nil {
			agent.Use(httpmiddleware.RateLimit(cfg.APILimiter, httpmiddleware.ByAgent))
		}
		if cfg.Inbox != nil {
			agent.Mount("/api/inbox", cfg.Inbox.Routes())
		}
		if cfg.ClinicHandler != nil {
			agent.Mount("/api/admin/clinics", cfg.ClinicHandler.Routes())
		}
	})

	return r
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}
		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		handlers.WriteJSON(w, status, map[string]any{"status": overall, "checks": results})
	}
}
