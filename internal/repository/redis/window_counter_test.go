package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/infra/circuit"
)

func newTestRedis(t *testing.T) (*red.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := red.NewClient(&red.Options{Addr: server.Addr(), MaxRetries: -1})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return client, server
}

func testKey() domain.WindowKey {
	return domain.NewWindowKey("tenant:T1", "detection", time.Minute, time.Date(2025, 10, 12, 10, 0, 30, 0, time.UTC))
}

func TestWindowCounterRepository_IncrementsAndSetsExpiryOnce(t *testing.T) {
	client, server := newTestRedis(t)
	repo := NewWindowCounterRepository(client, WindowCounterConfig{KeyPrefix: "rate_limit", ExpiryBuffer: 5 * time.Second, Timeout: time.Second}, nil)
	ctx := context.Background()
	key := testKey()

	first, err := repo.IncrementAndGet(ctx, key)
	if err != nil {
		t.Fatalf("IncrementAndGet returned error: %v", err)
	}
	if first.Count != 1 {
		t.Fatalf("expected count 1, got %d", first.Count)
	}
	if first.TTL != 65*time.Second {
		t.Fatalf("expected ttl 65s, got %v", first.TTL)
	}

	redisKey := "rate_limit:tenant:T1:detection:1760263200"
	if !server.Exists(redisKey) {
		t.Fatalf("expected key %s to exist, keys=%v", redisKey, server.Keys())
	}

	server.FastForward(20 * time.Second)

	second, err := repo.IncrementAndGet(ctx, key)
	if err != nil {
		t.Fatalf("IncrementAndGet returned error: %v", err)
	}
	if second.Count != 2 {
		t.Fatalf("expected count 2, got %d", second.Count)
	}
	if got := server.TTL(redisKey); got != 45*time.Second {
		t.Fatalf("expected later increments to keep the original expiry, ttl=%v", got)
	}
}

func TestWindowCounterRepository_RestoresMissingExpiry(t *testing.T) {
	client, server := newTestRedis(t)
	repo := NewWindowCounterRepository(client, WindowCounterConfig{Timeout: time.Second}, nil)
	key := testKey()

	if err := server.Set(key.String(), "4"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	reading, err := repo.IncrementAndGet(context.Background(), key)
	if err != nil {
		t.Fatalf("IncrementAndGet returned error: %v", err)
	}
	if reading.Count != 5 {
		t.Fatalf("expected count 5, got %d", reading.Count)
	}
	if got := server.TTL(key.String()); got != time.Minute {
		t.Fatalf("expected expiry to be restored to the window length, got %v", got)
	}
}

func TestWindowCounterRepository_ConcurrentIncrementsAreExact(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewWindowCounterRepository(client, WindowCounterConfig{Timeout: time.Second}, nil)
	key := testKey()

	const workers = 50
	var wg sync.WaitGroup
	counts := make(chan int64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reading, err := repo.IncrementAndGet(context.Background(), key)
			if err != nil {
				t.Errorf("IncrementAndGet returned error: %v", err)
				return
			}
			counts <- reading.Count
		}()
	}
	wg.Wait()
	close(counts)

	seen := make(map[int64]bool, workers)
	for c := range counts {
		if seen[c] {
			t.Fatalf("count %d returned twice", c)
		}
		seen[c] = true
	}
	for i := int64(1); i <= workers; i++ {
		if !seen[i] {
			t.Fatalf("missing count %d", i)
		}
	}
}

func TestWindowCounterRepository_UnavailableWhenServerDown(t *testing.T) {
	client, server := newTestRedis(t)
	repo := NewWindowCounterRepository(client, WindowCounterConfig{Timeout: 200 * time.Millisecond}, nil)

	server.Close()

	_, err := repo.IncrementAndGet(context.Background(), testKey())
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if repo.IsAvailable(context.Background()) {
		t.Fatalf("expected IsAvailable to be false")
	}
}

func TestWindowCounterRepository_OpenBreakerShortCircuits(t *testing.T) {
	client, server := newTestRedis(t)
	breaker := circuit.NewBreaker(circuit.Options{FailureThreshold: 1, OpenDuration: time.Hour})
	repo := NewWindowCounterRepository(client, WindowCounterConfig{Timeout: time.Second}, breaker)

	if !repo.IsAvailable(context.Background()) {
		t.Fatalf("expected store to be available")
	}

	permit, _ := breaker.Allow()
	breaker.OnFailure(permit)
	before := server.CommandCount()

	_, err := repo.IncrementAndGet(context.Background(), testKey())
	if !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if repo.IsAvailable(context.Background()) {
		t.Fatalf("expected IsAvailable to be false while breaker is open")
	}
	if after := server.CommandCount(); after != before {
		t.Fatalf("expected no redis commands while open, got %d", after-before)
	}
}

func TestWindowCounterRepository_RejectsZeroWindow(t *testing.T) {
	client, _ := newTestRedis(t)
	repo := NewWindowCounterRepository(client, WindowCounterConfig{}, nil)

	_, err := repo.IncrementAndGet(context.Background(), domain.WindowKey{Identifier: "ip:1.2.3.4", EndpointClass: "default"})
	if !errors.Is(err, domain.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy, got %v", err)
	}
}

func TestWindowCounterRepository_CancelledCallerDoesNotTripBreaker(t *testing.T) {
	client, _ := newTestRedis(t)
	breaker := circuit.NewBreaker(circuit.Options{FailureThreshold: 5, OpenDuration: time.Hour})
	repo := NewWindowCounterRepository(client, WindowCounterConfig{Timeout: time.Second}, breaker)

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := repo.IncrementAndGet(ctx, testKey())
		if !errors.Is(err, domain.ErrStoreUnavailable) || !errors.Is(err, context.Canceled) {
			t.Fatalf("expected unavailable wrapping context.Canceled, got %v", err)
		}
	}
	if breaker.State() != circuit.StateClosed {
		t.Fatalf("client disconnects must not open the breaker, got %s", breaker.State())
	}

	reading, err := repo.IncrementAndGet(context.Background(), testKey())
	if err != nil {
		t.Fatalf("expected live call to succeed, got %v", err)
	}
	if reading.Count != 1 {
		t.Fatalf("expected count 1, got %d", reading.Count)
	}
}

func TestWindowCounterRepository_TransportErrorsTripBreaker(t *testing.T) {
	client, server := newTestRedis(t)
	breaker := circuit.NewBreaker(circuit.Options{FailureThreshold: 2, OpenDuration: time.Hour})
	repo := NewWindowCounterRepository(client, WindowCounterConfig{Timeout: 200 * time.Millisecond}, breaker)

	server.Close()

	for i := 0; i < 2; i++ {
		if _, err := repo.IncrementAndGet(context.Background(), testKey()); !errors.Is(err, domain.ErrStoreUnavailable) {
			t.Fatalf("expected ErrStoreUnavailable, got %v", err)
		}
	}
	if breaker.State() != circuit.StateOpen {
		t.Fatalf("expected breaker to open after transport errors, got %s", breaker.State())
	}
}
