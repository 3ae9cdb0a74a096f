package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arklim/tenant-ratelimit/internal/infra/circuit"
	"github.com/arklim/tenant-ratelimit/internal/infra/config"
	"github.com/arklim/tenant-ratelimit/internal/infra/database"
	kafkainfra "github.com/arklim/tenant-ratelimit/internal/infra/kafka"
	"github.com/arklim/tenant-ratelimit/internal/infra/logger"
	"github.com/arklim/tenant-ratelimit/internal/infra/policyfile"
	redisinfra "github.com/arklim/tenant-ratelimit/internal/infra/redis"
	"github.com/arklim/tenant-ratelimit/internal/infra/telemetry"
	postgresrepo "github.com/arklim/tenant-ratelimit/internal/repository/postgres"
	redisrepo "github.com/arklim/tenant-ratelimit/internal/repository/redis"
	"github.com/arklim/tenant-ratelimit/internal/transport/http/middleware"
	"github.com/arklim/tenant-ratelimit/internal/transport/http/routes"
	"github.com/arklim/tenant-ratelimit/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

type Application struct {
	cfg      *config.AppConfig
	engine   *gin.Engine
	logger   *zap.Logger
	pool     *pgxpool.Pool
	redis    *redisinfra.Client
	producer *kafkainfra.Producer
	tracer   *telemetry.TracerProvider
	audit    *usecase.AuditDispatcher
	policies *usecase.PolicyService
	watcher  *policyfile.Watcher
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	tracer, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, log)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	registry := prometheus.DefaultRegisterer
	metrics, err := telemetry.NewRateLimitMetrics(telemetry.RateLimitMetricsOptions{Registerer: registry})
	if err != nil {
		return nil, fmt.Errorf("init rate limit metrics: %w", err)
	}
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{Registerer: registry})
	if err != nil {
		return nil, fmt.Errorf("init http metrics: %w", err)
	}

	policies, policyFile, err := loadPolicies(cfg.RateLimit, log)
	if err != nil {
		return nil, fmt.Errorf("init rate limit policies: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	redisClient, err := redisinfra.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	breaker := circuit.NewBreaker(circuit.Options{
		FailureThreshold: cfg.RateLimit.Circuit.FailureThreshold,
		OpenDuration:     cfg.RateLimit.Circuit.OpenDuration,
		HalfOpenMaxCalls: cfg.RateLimit.Circuit.HalfOpenMaxCalls,
	})
	fastStore := redisrepo.NewWindowCounterRepository(redisClient.Client(), redisrepo.WindowCounterConfig{
		KeyPrefix:    cfg.RateLimit.KeyPrefix,
		ExpiryBuffer: cfg.RateLimit.ExpiryBuffer,
		Timeout:      cfg.RateLimit.FastStoreTimeout,
	}, breaker)

	repos := postgresrepo.NewRepositories(pool, postgresrepo.WindowLedgerConfig{
		Timeout:      cfg.RateLimit.LedgerTimeout,
		MaxAttempts:  cfg.RateLimit.LedgerMaxAttempts,
		RetryBackoff: 10 * time.Millisecond,
	})

	sinks := buildAuditSinks(cfg, repos.Denials, kafkainfra.NewProducer, log)
	dispatcher := usecase.NewAuditDispatcher(sinks.sinks, usecase.AuditOptions{
		QueueSize: cfg.Audit.QueueSize,
		Workers:   cfg.Audit.Workers,
		Timeout:   cfg.Audit.Timeout,
	}).WithLogger(log).WithMetrics(metrics)
	if err := metrics.WatchAuditQueue(dispatcher.Pending); err != nil {
		log.Warn("audit queue gauge not registered", zap.Error(err))
	}

	degradation := degradationPolicy(cfg.RateLimit.FailureMode)
	engine := usecase.NewRateLimitService(policies, fastStore, repos.Windows, dispatcher, usecase.RateLimitOptions{
		Degradation: &degradation,
	}).
		WithLogger(log).
		WithMetrics(metrics).
		WithTracer(tracer.Tracer("github.com/arklim/tenant-ratelimit/internal/usecase"))

	maintenance := usecase.NewMaintenanceService(repos.Windows, repos.Denials, cfg.RateLimit.RetentionPeriod).WithLogger(log)

	var watcher *policyfile.Watcher
	if policyFile != nil && cfg.RateLimit.WatchPolicyFile {
		watcher = policyfile.NewWatcher(policyFile.Path(), func(ctx context.Context) error {
			_, err := policies.Reload(ctx)
			return err
		}, log)
	}

	router := routes.Register(routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		Metrics:     httpMetrics,
		RateLimiter: middleware.NewRateLimiter(engine, log),
		Engine:      engine,
		Policies:    policies,
		Ledger:      maintenance,
		Stores:      []routes.StoreChecker{fastStore, repos.Windows},
	})

	log.Info("rate limiter configured",
		zap.String("policy_source", policies.Snapshot().Source()),
		zap.Strings("audit_sinks", sinkNames(sinks)),
		zap.Strings("closed_classes", cfg.RateLimit.FailureMode.ClosedClasses),
		zap.String("default_failure_mode", string(degradation.Mode(""))),
	)

	return &Application{
		cfg:      cfg,
		engine:   router,
		logger:   log,
		pool:     pool,
		redis:    redisClient,
		producer: sinks.producer,
		tracer:   tracer,
		audit:    dispatcher,
		policies: policies,
		watcher:  watcher,
	}, nil
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer a.closeStores()

	if err := a.audit.Start(); err != nil {
		return fmt.Errorf("start audit dispatcher: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting rate limit API",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("run server: %w", err)
		}
		return nil
	})

	if a.watcher != nil {
		g.Go(func() error {
			if err := a.watcher.Run(gctx); err != nil {
				// decisions keep using the last good snapshot
				a.logger.Error("policy file watcher stopped", zap.Error(err))
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		if err := a.audit.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("drain audit dispatcher: %w", err))
		}
		if err := a.tracer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func (a *Application) closeStores() {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("close kafka producer", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func sinkNames(set sinkSet) []string {
	names := make([]string, 0, len(set.sinks))
	for _, sink := range set.sinks {
		names = append(names, sink.Name())
	}
	return names
}
