package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/arklim/tenant-ratelimit/internal/infra/config"
	"github.com/arklim/tenant-ratelimit/internal/infra/database"
	"github.com/arklim/tenant-ratelimit/internal/infra/logger"
	postgresrepo "github.com/arklim/tenant-ratelimit/internal/repository/postgres"
	"github.com/arklim/tenant-ratelimit/internal/usecase"
)

// ledger-purge deletes ledger windows and denial records older than the retention period.
func main() {
	retention := flag.Duration("retention", 0, "override rate_limit.retention_period")
	timeout := flag.Duration("timeout", 5*time.Minute, "abort the purge after this long")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *retention > 0 {
		cfg.RateLimit.RetentionPeriod = *retention
	}

	zlog, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, zlog)
	if err != nil {
		zlog.Fatal("failed to init postgres", zap.Error(err))
	}
	defer pool.Close()

	repos := postgresrepo.NewRepositories(pool, postgresrepo.WindowLedgerConfig{})
	maintenance := usecase.NewMaintenanceService(repos.Windows, repos.Denials, cfg.RateLimit.RetentionPeriod).WithLogger(zlog)

	result, err := maintenance.Purge(ctx)
	if err != nil {
		zlog.Error("ledger purge failed", zap.Error(err))
		os.Exit(1)
	}

	zlog.Info("ledger purge finished",
		zap.Time("cutoff", result.Cutoff),
		zap.Int64("windows", result.Windows),
		zap.Int64("denials", result.Denials),
	)
}
