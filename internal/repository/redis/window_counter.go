package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/core/port"
	"github.com/arklim/tenant-ratelimit/internal/infra/circuit"
)

//go:embed window_counter.lua
var windowCounterScript string

// StoreName identifies the Redis counter store in logs and metrics.
const StoreName = "redis"

var errInvalidScriptReply = errors.New("invalid window counter script reply")

// WindowCounterConfig defines how fixed-window counters are keyed and expired.
type WindowCounterConfig struct {
	KeyPrefix    string
	ExpiryBuffer time.Duration
	Timeout      time.Duration
}

// WindowCounterRepository keeps fixed-window request counters in Redis.
type WindowCounterRepository struct {
	client  redis.UniversalClient
	script  *redis.Script
	cfg     WindowCounterConfig
	breaker *circuit.Breaker
}

// NewWindowCounterRepository constructs a repository. A nil breaker disables short-circuiting.
func NewWindowCounterRepository(client redis.UniversalClient, cfg WindowCounterConfig, breaker *circuit.Breaker) *WindowCounterRepository {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 75 * time.Millisecond
	}
	if cfg.ExpiryBuffer < 0 {
		cfg.ExpiryBuffer = 0
	}
	return &WindowCounterRepository{
		client:  client,
		script:  redis.NewScript(windowCounterScript),
		cfg:     cfg,
		breaker: breaker,
	}
}

// Name reports the store name.
func (r *WindowCounterRepository) Name() string {
	return StoreName
}

// IncrementAndGet atomically increments the window counter and returns the new count.
// The expiry is set once, when the window is first seen, to the window length plus buffer.
func (r *WindowCounterRepository) IncrementAndGet(ctx context.Context, key domain.WindowKey) (domain.CounterReading, error) {
	if key.Window <= 0 {
		return domain.CounterReading{}, fmt.Errorf("%w: window must be positive", domain.ErrInvalidPolicy)
	}
	permit, ok := r.breaker.Allow()
	if !ok {
		return domain.CounterReading{}, domain.StoreUnavailable(StoreName, "increment", errors.New("circuit open"))
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	expiry := key.Window + r.cfg.ExpiryBuffer
	result, err := r.script.Run(callCtx, r.client, []string{r.key(key)}, expiry.Milliseconds()).Result()
	if err != nil {
		// cancellation by the caller is not a store failure
		if ctx.Err() != nil {
			r.breaker.Release(permit)
			return domain.CounterReading{}, domain.StoreUnavailable(StoreName, "increment", ctx.Err())
		}
		r.breaker.OnFailure(permit)
		return domain.CounterReading{}, domain.StoreUnavailable(StoreName, "increment", err)
	}

	reading, err := parseReading(result)
	if err != nil {
		r.breaker.OnFailure(permit)
		return domain.CounterReading{}, domain.StoreUnavailable(StoreName, "increment", err)
	}

	r.breaker.OnSuccess(permit)
	return reading, nil
}

// IsAvailable reports whether Redis answers a ping and the breaker admits calls.
func (r *WindowCounterRepository) IsAvailable(ctx context.Context) bool {
	if !r.breaker.Ready() {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.client.Ping(pingCtx).Err() == nil
}

func (r *WindowCounterRepository) key(key domain.WindowKey) string {
	if r.cfg.KeyPrefix == "" {
		return key.String()
	}
	return fmt.Sprintf("%s:%s", r.cfg.KeyPrefix, key.String())
}

func parseReading(result any) (domain.CounterReading, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return domain.CounterReading{}, errInvalidScriptReply
	}
	count, ok := values[0].(int64)
	if !ok {
		return domain.CounterReading{}, errInvalidScriptReply
	}
	ttl, ok := values[1].(int64)
	if !ok {
		return domain.CounterReading{}, errInvalidScriptReply
	}
	if ttl < 0 {
		ttl = 0
	}
	return domain.CounterReading{Count: count, TTL: time.Duration(ttl) * time.Millisecond}, nil
}

var _ port.CounterStore = (*WindowCounterRepository)(nil)
