package circuit

import (
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustAllow(t *testing.T, b *Breaker) Permit {
	t.Helper()
	permit, ok := b.Allow()
	if !ok {
		t.Fatalf("expected breaker to admit the call in state %s", b.State())
	}
	return permit
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(Options{FailureThreshold: 2, OpenDuration: time.Second, HalfOpenMaxCalls: 1}).WithClock(clock.Now)

	b.OnFailure(mustAllow(t, b))
	b.OnFailure(mustAllow(t, b))
	if b.State() != StateOpen {
		t.Fatalf("expected open state, got %s", b.State())
	}
	if _, ok := b.Allow(); ok || b.Ready() {
		t.Fatalf("expected breaker to reject while open")
	}

	clock.Advance(time.Second)
	if !b.Ready() {
		t.Fatalf("expected breaker to be ready once open duration elapsed")
	}
	trial := mustAllow(t, b)
	if !trial.Trial() {
		t.Fatalf("expected a trial permit in half-open")
	}
	if _, ok := b.Allow(); ok {
		t.Fatalf("expected second concurrent trial call to be rejected")
	}
	b.OnSuccess(trial)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after successful trial call, got %s", b.State())
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(Options{FailureThreshold: 1, OpenDuration: 500 * time.Millisecond}).WithClock(clock.Now)

	b.OnFailure(mustAllow(t, b))
	clock.Advance(500 * time.Millisecond)
	b.OnFailure(mustAllow(t, b))
	if b.State() != StateOpen {
		t.Fatalf("expected reopen after failed trial call, got %s", b.State())
	}
	if _, ok := b.Allow(); ok {
		t.Fatalf("expected rejection right after reopening")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	b := NewBreaker(Options{FailureThreshold: 3})
	b.OnFailure(mustAllow(t, b))
	b.OnFailure(mustAllow(t, b))
	b.OnSuccess(mustAllow(t, b))
	b.OnFailure(mustAllow(t, b))
	b.OnFailure(mustAllow(t, b))
	if b.State() != StateClosed {
		t.Fatalf("expected closed, failures should reset on success")
	}
}

func TestBreaker_LateOutcomesDoNotTouchHalfOpenSlot(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(Options{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenMaxCalls: 1}).WithClock(clock.Now)

	slowSuccess := mustAllow(t, b)
	slowFailure := mustAllow(t, b)
	b.OnFailure(mustAllow(t, b))
	if b.State() != StateOpen {
		t.Fatalf("expected open state, got %s", b.State())
	}

	clock.Advance(time.Second)
	trial := mustAllow(t, b)

	// Calls admitted while closed finish during the half-open period.
	b.OnSuccess(slowSuccess)
	b.OnFailure(slowFailure)
	if b.State() != StateHalfOpen {
		t.Fatalf("late closed-state outcomes must not move a half-open breaker, got %s", b.State())
	}
	if _, ok := b.Allow(); ok {
		t.Fatalf("trial slot must still be held by the in-flight trial call")
	}

	b.OnSuccess(trial)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after the trial call succeeded, got %s", b.State())
	}
}

func TestBreaker_ReleaseFreesTrialSlot(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(Options{FailureThreshold: 1, OpenDuration: time.Second}).WithClock(clock.Now)

	b.OnFailure(mustAllow(t, b))
	clock.Advance(time.Second)

	b.Release(mustAllow(t, b))
	if b.State() != StateHalfOpen {
		t.Fatalf("release must not count an outcome, got %s", b.State())
	}
	b.OnSuccess(mustAllow(t, b))
	if b.State() != StateClosed {
		t.Fatalf("expected closed once a trial call succeeded, got %s", b.State())
	}
}

func TestBreaker_StaleTrialIgnoredAfterReopen(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(Options{FailureThreshold: 1, OpenDuration: time.Second, HalfOpenMaxCalls: 2}).WithClock(clock.Now)

	b.OnFailure(mustAllow(t, b))
	clock.Advance(time.Second)
	stale := mustAllow(t, b)
	b.OnFailure(mustAllow(t, b))

	clock.Advance(time.Second)
	first := mustAllow(t, b)
	second := mustAllow(t, b)
	b.OnSuccess(stale)
	if b.State() != StateHalfOpen {
		t.Fatalf("trial permit from an earlier half-open period must be ignored, got %s", b.State())
	}
	if _, ok := b.Allow(); ok {
		t.Fatalf("both trial slots should still be held")
	}
	b.Release(first)
	b.OnSuccess(second)
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestBreaker_NilIsAlwaysClosed(t *testing.T) {
	t.Parallel()

	var b *Breaker
	permit, ok := b.Allow()
	if !ok || !b.Ready() || b.State() != StateClosed {
		t.Fatalf("nil breaker must admit every call")
	}
	b.OnFailure(permit)
	b.OnSuccess(permit)
	b.Release(permit)
}
