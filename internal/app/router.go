package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/atlas-bms/atlas/internal/auth"
	"github.com/atlas-bms/atlas/internal/authz"
	"github.com/atlas-bms/atlas/internal/observability"
	"github.com/atlas-bms/atlas/internal/shared"
	"github.com/atlas-bms/atlas/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	AuthHandler    *auth.Handler
	AuthzHandler   *authz.Handler
	Gate           authz.Gate
	JobsHandler    *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Atlas defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())

	r.Route("/auth", func(r chi.Router) {
		params.AuthHandler.MountRoutes(r)
	})

	params.AuthzHandler.MountSelfRoutes(r)

	r.Route("/admin/authz", func(r chi.Router) {
		params.AuthzHandler.MountAdminRoutes(r)
	})

	if params.JobsHandler != nil {
		r.Route("/admin/jobs", func(r chi.Router) {
			r.Use(params.Gate.Require(shared.PermJobsView))
			params.JobsHandler.MountRoutes(r)
		})
	}

	return r
}
