package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
)

func TestPolicyService_DefaultsToBuiltinTable(t *testing.T) {
	svc, err := NewPolicyService(nil, nil)
	if err != nil {
		t.Fatalf("NewPolicyService returned error: %v", err)
	}
	if svc.Snapshot().Source() != BuiltinPolicySource {
		t.Fatalf("expected builtin source, got %q", svc.Snapshot().Source())
	}

	policies := svc.Resolve("auth", "", "")
	if len(policies) != 1 || policies[0].Scope != domain.ScopeIP || policies[0].MaxRequests != 5 || policies[0].Window != 5*time.Minute {
		t.Fatalf("unexpected auth policies %+v", policies)
	}
}

func TestPolicyService_ReloadSwapsSnapshot(t *testing.T) {
	next := mustPolicySet(t, rule("default", domain.ScopeIP, 7, time.Minute))
	svc, err := NewPolicyService(mustPolicySet(t, rule("default", domain.ScopeIP, 3, time.Minute)), stubPolicySource{set: next})
	if err != nil {
		t.Fatalf("NewPolicyService returned error: %v", err)
	}

	before := svc.Snapshot()
	if _, err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload returned error: %v", err)
	}

	if got := svc.Resolve("default", "", ""); len(got) != 1 || got[0].MaxRequests != 7 {
		t.Fatalf("expected reloaded limit 7, got %+v", got)
	}
	// snapshots taken before the reload stay intact
	if got := before.Resolve("default", "", ""); got[0].MaxRequests != 3 {
		t.Fatalf("previous snapshot mutated: %+v", got)
	}
}

func TestPolicyService_FailedReloadKeepsCurrent(t *testing.T) {
	svc, err := NewPolicyService(mustPolicySet(t, rule("default", domain.ScopeIP, 3, time.Minute)), stubPolicySource{err: errors.New("bad yaml")})
	if err != nil {
		t.Fatalf("NewPolicyService returned error: %v", err)
	}

	if _, err := svc.Reload(context.Background()); err == nil {
		t.Fatalf("expected reload error")
	}
	if got := svc.Resolve("default", "", ""); got[0].MaxRequests != 3 {
		t.Fatalf("expected current policies to remain, got %+v", got)
	}
}

func TestPolicyService_ReloadWithoutSource(t *testing.T) {
	svc := mustPolicyService(t, rule("default", domain.ScopeIP, 3, time.Minute))
	if _, err := svc.Reload(context.Background()); !errors.Is(err, ErrPolicySourceMissing) {
		t.Fatalf("expected ErrPolicySourceMissing, got %v", err)
	}
	if err := svc.Swap(nil); !errors.Is(err, domain.ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy for nil swap, got %v", err)
	}
}
