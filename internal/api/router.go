package api

import (
	"net/http"

	"github.com/ayo6706/arena-settlement/internal/api/handler"
	"github.com/ayo6706/arena-settlement/internal/api/middleware"
	"github.com/ayo6706/arena-settlement/internal/api/spec"
	"github.com/ayo6706/arena-settlement/internal/cache"
	"github.com/ayo6706/arena-settlement/internal/config"
	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/service"
	"github.com/ayo6706/arena-settlement/internal/worker"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

const operatorRateLimitRPS = 5

// Dependencies are the collaborators the HTTP layer serves from.
type Dependencies struct {
	Payouts    *service.PayoutService
	Settlement *worker.SettlementWorker
	Reconciler *worker.ReconciliationWorker
	Cache      *cache.ResponseCache
	Store      handler.Pinger
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	deps   Dependencies
}

func NewRouter(cfg *config.Config, logger *zap.Logger, deps Dependencies) *Router {
	return &Router{cfg: cfg, logger: logger, deps: deps}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)

	// Handlers
	var cachePinger handler.Pinger
	if api.deps.Cache != nil {
		cachePinger = api.deps.Cache
	}
	healthHandler := handler.NewHealthHandler(api.deps.Store, cachePinger)
	payoutHandler := handler.NewPayoutHandler(api.deps.Payouts)
	infoHandler := handler.NewInfoHandler()
	workerHandler := handler.NewWorkerHandler(api.deps.Settlement, api.deps.Reconciler)
	auth := middleware.NewJWTAuth(api.cfg.JWTSecret, api.cfg.JWTIssuer, api.cfg.JWTAudience)

	// Ops
	r.Get("/healthz", healthHandler.Live)
	r.Get("/readyz", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	// Public Routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))

		r.Post("/payouts", payoutHandler.CreatePayout)
		r.Get("/payouts/{id}", payoutHandler.GetPayout)
		r.Post("/payouts/{id}/sign", payoutHandler.SignPayout)
		r.Post("/payouts/{id}/submit", payoutHandler.SubmitPayout)
		r.Get("/payouts/{id}/transitions", payoutHandler.ListTransitions)

		r.With(middleware.ResponseCache(api.deps.Cache, staticKey(domain.CacheKeyOracleYield), api.cfg.CacheTTLOracleYield)).
			Get("/oracle/yield", infoHandler.OracleYield)
		r.With(middleware.ResponseCache(api.deps.Cache, arenaStatsKey, api.cfg.CacheTTLArenaStats)).
			Get("/arenas/{id}/stats", infoHandler.ArenaStats)
		r.With(middleware.ResponseCache(api.deps.Cache, staticKey(domain.CacheKeyLeaderboard), api.cfg.CacheTTLLeaderboard)).
			Get("/leaderboard", infoHandler.Leaderboard)
	})

	// Operator Routes
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		r.Use(middleware.RequireRole(middleware.RoleAdmin))
		r.Use(middleware.OperatorRateLimiter(operatorRateLimitRPS))

		r.Get("/payouts", payoutHandler.ListPayouts)
		r.Get("/worker/status", workerHandler.Status)
		r.Post("/worker/run", workerHandler.Run)
	})

	return r
}

func staticKey(key string) middleware.CacheKeyFunc {
	return func(*http.Request) string { return key }
}

func arenaStatsKey(r *http.Request) string {
	return domain.ArenaStatsKey(chi.URLParam(r, "id"))
}
