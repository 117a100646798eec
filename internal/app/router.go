package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/homecare/homecare/internal/authz"
	"github.com/homecare/homecare/internal/observability"
	"github.com/homecare/homecare/internal/platform/httpx"
	"github.com/homecare/homecare/internal/rbac"
	"github.com/homecare/homecare/internal/shared"
	"github.com/homecare/homecare/jobs"
)

// Pinger reports dependency health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger  *slog.Logger
	Config  *Config
	Authz   *Authz
	Metrics *observability.Metrics
	Jobs    *jobs.Handler
	// Health is optional; when set /healthz reports 503 while it fails.
	Health Pinger
	// Mount registers further business routes behind the gateway authenticator.
	Mount func(r chi.Router, guard *authz.Guard)
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if params.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := params.Health.Ping(ctx); err != nil {
				params.Logger.Warn("health check failed", slog.Any("error", err))
				httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	token := ""
	if params.Config != nil {
		token = params.Config.GatewayToken
	}
	r.Group(func(r chi.Router) {
		r.Use(authz.GatewayAuthenticator{Token: token, Logger: params.Logger}.Middleware)
		if params.Authz != nil {
			r.Route("/authz", params.Authz.Handler.MountRoutes)
			if params.Jobs != nil {
				mw := authz.Middleware{Guard: params.Authz.Guard, Logger: params.Logger}
				r.With(mw.Require(shared.PermPermissionsView, rbac.ContextSystem, authz.StaticContextID(0))).
					Route("/jobs", params.Jobs.MountRoutes)
			}
		}
		if params.Mount != nil {
			var guard *authz.Guard
			if params.Authz != nil {
				guard = params.Authz.Guard
			}
			params.Mount(r, guard)
		}
	})

	return r
}
