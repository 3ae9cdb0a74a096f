package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arklim/tenant-ratelimit/internal/infra/config"
)

const startupPingTimeout = 2 * time.Second

// Client owns the Redis pool behind the fast window counters.
type Client struct {
	client *redis.Client
	logger *zap.Logger
}

// NewClient builds the pool and pings once. An unreachable server is logged, not
// returned: decisions fall back to the ledger until Redis answers.
func NewClient(ctx context.Context, cfg config.RedisSettings, logger *zap.Logger) (*Client, error) {
	opts, err := Options(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, startupPingTimeout)
	defer cancel()

	fields := []zap.Field{
		zap.String("addr", opts.Addr),
		zap.Int("db", cfg.DB),
		zap.Bool("tls_enabled", cfg.TLSEnabled),
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable at startup, serving from ledger", append(fields, zap.Error(err))...)
	} else {
		logger.Info("redis connection established", fields...)
	}

	return &Client{client: client, logger: logger}, nil
}

// Options maps settings onto go-redis options. Retries are disabled because the
// counter script is not idempotent.
func Options(cfg config.RedisSettings) (*redis.Options, error) {
	if cfg.Host == "" {
		return nil, errors.New("redis host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("redis port %d out of range", cfg.Port)
	}

	opts := &redis.Options{
		Addr:            net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    2,
		MaxRetries:      -1,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolTimeout:     cfg.ReadTimeout + time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.Host,
		}
	}
	return opts, nil
}

// Client returns the underlying redis.Client for the window counter repository
func (c *Client) Client() *redis.Client {
	return c.client
}

// Close releases the pool.
func (c *Client) Close() error {
	c.logger.Info("closing redis connection pool")
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
