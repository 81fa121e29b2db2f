package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"github.com/tapcoin/wallet/internal/api/handler"
	"github.com/tapcoin/wallet/internal/api/middleware"
	"github.com/tapcoin/wallet/internal/api/problem"
	"github.com/tapcoin/wallet/internal/api/spec"
	"github.com/tapcoin/wallet/internal/auth"
	"github.com/tapcoin/wallet/internal/config"
	"github.com/tapcoin/wallet/internal/idempotency"
	"github.com/tapcoin/wallet/internal/service"
	"go.uber.org/zap"
)

// Deps are the collaborators the HTTP layer needs. DB, Redis, Idempotency and
// Telegram may be nil.
type Deps struct {
	DB          handler.Pinger
	Redis       redis.Cmdable
	Idempotency idempotency.Store
	Tokens      *auth.Tokens
	Telegram    *auth.TelegramVerifier
	Accounts    *service.AccountService
	Engine      *service.Engine
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	deps   Deps
}

func NewRouter(cfg *config.Config, logger *zap.Logger, deps Deps) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cfg: cfg, logger: logger, deps: deps}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   api.cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Trace-ID"},
		ExposedHeaders:   []string{"X-Trace-ID", "X-Idempotent-Replay"},
		AllowCredentials: false,
		MaxAge:           300,
	}).Handler)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		problem.Write(w, r, http.StatusNotFound, problem.Type("route/not-found"), "", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		problem.Write(w, r, http.StatusMethodNotAllowed, problem.Type("route/method-not-allowed"), "", "method not allowed")
	})

	authHandler := handler.NewAuthHandler(api.deps.Accounts, api.deps.Tokens, api.deps.Telegram)
	walletHandler := handler.NewWalletHandler(api.deps.Engine, api.cfg.TapMaxAmount)
	accountHandler := handler.NewAccountHandler(api.deps.Accounts)
	healthHandler := handler.NewHealthHandler(api.deps.DB, api.deps.Redis)

	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Post("/v1/auth/register", authHandler.Register)
		r.Post("/v1/auth/login", authHandler.Login)
		r.Post("/v1/auth/telegram", authHandler.Telegram)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(api.deps.Tokens))
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		r.Get("/v1/accounts/{id}", accountHandler.GetAccount)

		r.Group(func(r chi.Router) {
			r.Use(middleware.IdempotencyMiddleware(api.deps.Idempotency, api.logger))
			r.Post("/v1/credit", walletHandler.Credit)
			r.Post("/v1/transfers", walletHandler.Transfer)
		})
	})

	return r
}
