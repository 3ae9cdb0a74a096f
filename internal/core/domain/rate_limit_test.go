package domain

import (
	"errors"
	"testing"
	"time"
)

func TestWindowStartFloorsToWindow(t *testing.T) {
	at := time.Date(2025, 10, 12, 10, 3, 42, 500, time.UTC)

	if got := WindowStart(at, time.Minute); !got.Equal(time.Date(2025, 10, 12, 10, 3, 0, 0, time.UTC)) {
		t.Fatalf("unexpected minute window start %v", got)
	}
	if got := WindowStart(at, 5*time.Minute); !got.Equal(time.Date(2025, 10, 12, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected five minute window start %v", got)
	}
	if got := WindowStart(at, time.Hour); !got.Equal(time.Date(2025, 10, 12, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected hour window start %v", got)
	}
}

func TestWindowKeyBoundaries(t *testing.T) {
	start := time.Date(2025, 10, 12, 10, 0, 0, 0, time.UTC)
	first := NewWindowKey("tenant:T1", "detection", time.Minute, start.Add(59*time.Second))
	next := NewWindowKey("tenant:T1", "detection", time.Minute, start.Add(time.Minute))

	if first.WindowStart.Equal(next.WindowStart) {
		t.Fatalf("expected a new window at the boundary")
	}
	if !first.End().Equal(next.WindowStart) {
		t.Fatalf("expected windows to be contiguous: %v vs %v", first.End(), next.WindowStart)
	}
	if got := first.String(); got != "tenant:T1:detection:1760263200" {
		t.Fatalf("unexpected key string %q", got)
	}
}

func TestIdentifiersFor(t *testing.T) {
	ids := Identifiers{IP: " 203.0.113.7 ", TenantID: "acme"}

	if err := ids.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if got, ok := ids.For(ScopeIP); !ok || got != "ip:203.0.113.7" {
		t.Fatalf("unexpected ip identifier %q", got)
	}
	if got, ok := ids.For(ScopeTenant); !ok || got != "tenant:acme" {
		t.Fatalf("unexpected tenant identifier %q", got)
	}
	if _, ok := ids.For(ScopeUser); ok {
		t.Fatalf("expected no user identifier")
	}

	if err := (Identifiers{TenantID: "acme"}).Validate(); !errors.Is(err, ErrInvalidIdentifier) {
		t.Fatalf("expected ErrInvalidIdentifier, got %v", err)
	}
}

func TestRetryAfterSecondsRoundsUp(t *testing.T) {
	if got := RetryAfterSeconds(1500 * time.Millisecond); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
	if got := RetryAfterSeconds(0); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestStoreUnavailableWrapsCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := StoreUnavailable("redis", "incr", cause)

	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved")
	}
}

func TestDegradationPolicyModes(t *testing.T) {
	policy := DefaultDegradationPolicy()

	if !policy.IsSafetyCritical("auth") || !policy.IsSafetyCritical("Detection") {
		t.Fatalf("expected auth and detection to fail closed")
	}
	if policy.IsSafetyCritical("quote-read") {
		t.Fatalf("expected quote-read to fail open")
	}
	if !policy.AllowsFallback("auth", DegradationReasonFastStoreUnavailable) {
		t.Fatalf("expected ledger fallback to be allowed for every class")
	}
	if policy.AllowsFallback("auth", DegradationReasonLedgerUnavailable) {
		t.Fatalf("expected auth to be denied when the ledger is unavailable")
	}

	closedByDefault := NewDegradationPolicy(ParseDegradationPolicyMode("closed"), map[string]DegradationPolicyMode{"quote-read": DegradationPolicyModeOpen})
	if closedByDefault.Mode("anything") != DegradationPolicyModeClosed {
		t.Fatalf("expected closed fallback mode")
	}
	if closedByDefault.Mode("quote-read") != DegradationPolicyModeOpen {
		t.Fatalf("expected per-class override")
	}
}
