package routes

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/infra/config"
	"github.com/arklim/tenant-ratelimit/internal/transport/http/handlers"
	"github.com/arklim/tenant-ratelimit/internal/transport/http/middleware"
)

var errStoreUnavailable = errors.New("unavailable")

// StoreChecker exposes readiness behaviour for counter stores.
type StoreChecker interface {
	Name() string
	IsAvailable(ctx context.Context) bool
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	Metrics     *middleware.HTTPMetrics
	Gatherer    prometheus.Gatherer
	RateLimiter *middleware.RateLimiter
	Engine      handlers.DecisionEngine
	Policies    handlers.PolicyAdmin
	Ledger      handlers.LedgerReader
	Stores      []StoreChecker
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(deps.Metrics.Handler())

	healthOptions := make([]handlers.HealthOption, 0, len(deps.Stores))
	for _, store := range deps.Stores {
		if store == nil {
			continue
		}
		healthOptions = append(healthOptions, handlers.WithReadinessCheck(store.Name(), availability(store)))
	}

	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Readiness)

	if deps.Config.Telemetry.MetricsEnabled {
		metricsHandler := promhttp.Handler()
		if deps.Gatherer != nil {
			metricsHandler = promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})
		}
		r.GET("/metrics", gin.WrapH(metricsHandler))
	}

	api := r.Group("/api/v1")
	{
		rateLimitHandler := handlers.NewRateLimitHandler(deps.Engine)
		rateLimitHandler.RegisterRoutes(api.Group("/ratelimit"))
	}

	admin := r.Group("/admin")
	admin.Use(middleware.RequireAdminToken(deps.Config.Admin.Token))
	if deps.RateLimiter != nil {
		admin.Use(deps.RateLimiter.RateLimit(middleware.FixedClass(domain.EndpointClassDefault)))
	}
	adminHandler := handlers.NewAdminHandler(deps.Policies, deps.Ledger)
	adminHandler.RegisterRoutes(admin)

	return r
}

func availability(store StoreChecker) handlers.ReadinessCheck {
	return func(ctx context.Context) error {
		if !store.IsAvailable(ctx) {
			return errStoreUnavailable
		}
		return nil
	}
}
