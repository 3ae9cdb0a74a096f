package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
)

// stubCounterStore counts in memory and can be switched to fail.
type stubCounterStore struct {
	name string

	mu     sync.Mutex
	counts map[string]int64
	calls  []domain.WindowKey
	down   bool
}

func newStubCounterStore(name string) *stubCounterStore {
	return &stubCounterStore{name: name, counts: make(map[string]int64)}
}

func (s *stubCounterStore) Name() string { return s.name }

func (s *stubCounterStore) IncrementAndGet(ctx context.Context, key domain.WindowKey) (domain.CounterReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, key)
	if err := ctx.Err(); err != nil {
		return domain.CounterReading{}, domain.StoreUnavailable(s.name, "increment", err)
	}
	if s.down {
		return domain.CounterReading{}, domain.StoreUnavailable(s.name, "increment", nil)
	}
	s.counts[key.String()]++
	return domain.CounterReading{Count: s.counts[key.String()]}, nil
}

func (s *stubCounterStore) IsAvailable(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.down
}

func (s *stubCounterStore) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *stubCounterStore) seed(key domain.WindowKey, count int64) {
	s.mu.Lock()
	s.counts[key.String()] = count
	s.mu.Unlock()
}

func (s *stubCounterStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// stubLedger adds the maintenance operations on top of stubCounterStore.
type stubLedger struct {
	*stubCounterStore
	windows     []domain.RateLimitWindow
	purgeCutoff time.Time
	purged      int64
	listSince   time.Time
	listLimit   uint64
}

func (s *stubLedger) ListWindows(_ context.Context, _ string, since time.Time, limit uint64) ([]domain.RateLimitWindow, error) {
	s.listSince = since
	s.listLimit = limit
	return s.windows, nil
}

func (s *stubLedger) PurgeBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.purgeCutoff = cutoff
	return s.purged, nil
}

type stubAuditRecorder struct {
	mu     sync.Mutex
	events []domain.RateLimitDeniedEvent
}

func (s *stubAuditRecorder) RecordDenial(event domain.RateLimitDeniedEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *stubAuditRecorder) recorded() []domain.RateLimitDeniedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RateLimitDeniedEvent, len(s.events))
	copy(out, s.events)
	return out
}

type stubAuditSink struct {
	name    string
	mu      sync.Mutex
	events  []domain.RateLimitDeniedEvent
	err     error
	release chan struct{}
}

func (s *stubAuditSink) Name() string { return s.name }

func (s *stubAuditSink) PublishRateLimitDenied(ctx context.Context, event domain.RateLimitDeniedEvent) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *stubAuditSink) delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type stubPolicySource struct {
	set *domain.PolicySet
	err error
}

func (s stubPolicySource) Load() (*domain.PolicySet, error) {
	return s.set, s.err
}

func mustPolicySet(t *testing.T, rules ...domain.PolicyRule) *domain.PolicySet {
	t.Helper()
	set, err := domain.NewPolicySet(rules, "test", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("NewPolicySet: %v", err)
	}
	return set
}

func mustPolicyService(t *testing.T, rules ...domain.PolicyRule) *PolicyService {
	t.Helper()
	svc, err := NewPolicyService(mustPolicySet(t, rules...), nil)
	if err != nil {
		t.Fatalf("NewPolicyService: %v", err)
	}
	return svc
}

func rule(class string, scope domain.Scope, max int64, window time.Duration) domain.PolicyRule {
	return domain.PolicyRule{
		Tier:        domain.DefaultTier,
		LimitPolicy: domain.LimitPolicy{EndpointClass: class, Scope: scope, MaxRequests: max, Window: window},
	}
}
