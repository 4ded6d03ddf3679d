package app

import (
	"net/http"
	"net/http/pprof"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"

	"github.com/noah-isme/optik-reconciler/internal/admin"
	"github.com/noah-isme/optik-reconciler/internal/auth"
	"github.com/noah-isme/optik-reconciler/internal/config"
	"github.com/noah-isme/optik-reconciler/internal/health"
	"github.com/noah-isme/optik-reconciler/internal/obs"
	"github.com/noah-isme/optik-reconciler/internal/ratelimit"
	"github.com/noah-isme/optik-reconciler/internal/security"
	"github.com/noah-isme/optik-reconciler/internal/webhook"
)

// RouterDeps collects what the HTTP surface needs. Admin and RateLimit are
// optional.
type RouterDeps struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Webhooks  webhook.Processor
	Admin     *admin.Handler
	Health    health.Checker
	RateLimit *limiter.Limiter
	Metrics   *obs.HTTPMetrics
}

// NewRouter builds the api router.
func NewRouter(d RouterDeps) http.Handler {
	cfg := d.Config

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.HTTPObs{Metrics: d.Metrics, Tracing: cfg.TracingEnabled}.Middleware)
	r.Use(obs.RequestLogger{Logger: d.Logger}.Middleware)

	healthHandler := health.Handler{Checker: d.Health}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	guard := security.PprofGuard{User: cfg.PprofUser, PasswordHash: cfg.PprofPasswordHash}
	r.Route("/debug/pprof", func(pr chi.Router) {
		pr.Use(guard.Middleware)
		pprofRoutes(pr)
	})

	webhooks := webhook.Handler{Pipeline: d.Webhooks}
	limits := ratelimit.Handler{
		Limiter: d.RateLimit,
		Key:     ratelimit.ByClientIP("webhook", cfg.TrustProxy),
		OnError: func(req *http.Request, err error) {
			zerolog.Ctx(req.Context()).Warn().Err(err).Msg("rate_limit_store_unavailable")
		},
	}
	r.Route("/webhooks", func(wr chi.Router) {
		wr.Use(security.BodyLimit{Max: cfg.WebhookBodyLimit}.Middleware)
		wr.Use(limits.Middleware)
		wr.Get("/{gateway}", webhooks.Receive)
		wr.Post("/{gateway}", webhooks.Receive)
	})

	if d.Admin != nil {
		operators := auth.Middleware{Tokens: auth.Tokens{
			Secret:   []byte(cfg.AdminJWTSecret),
			Issuer:   cfg.AdminJWTIssuer,
			Audience: cfg.AdminJWTAudience,
		}}
		r.Route("/admin", func(ar chi.Router) {
			ar.Use(security.Headers)
			ar.Use(cors.Handler(cors.Options{
				AllowedOrigins: cfg.AdminCORSOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
				MaxAge:         300,
			}))
			ar.Use(operators.RequireOperator)
			d.Admin.Routes(ar)
		})
	}
	return r
}

// pprofRoutes serves the profiling endpoints. pprof.Index reads the profile
// name from the full /debug/pprof/ path, which chi leaves intact.
func pprofRoutes(r chi.Router) {
	r.Get("/cmdline", pprof.Cmdline)
	r.Get("/profile", pprof.Profile)
	r.Get("/symbol", pprof.Symbol)
	r.Post("/symbol", pprof.Symbol)
	r.Get("/trace", pprof.Trace)
	r.Get("/", pprof.Index)
	r.Get("/*", pprof.Index)
}
