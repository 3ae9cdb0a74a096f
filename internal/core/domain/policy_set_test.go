package domain

import (
	"errors"
	"testing"
	"time"
)

func TestPolicySetResolvePrecedence(t *testing.T) {
	rules := []PolicyRule{
		{Tier: "default", LimitPolicy: LimitPolicy{EndpointClass: "detection", Scope: ScopeIP, MaxRequests: 100, Window: time.Minute}},
		{Tier: "default", LimitPolicy: LimitPolicy{EndpointClass: "detection", Scope: ScopeTenant, MaxRequests: 50, Window: time.Minute}},
		{Tier: "pro", LimitPolicy: LimitPolicy{EndpointClass: "detection", Scope: ScopeTenant, MaxRequests: 500, Window: time.Minute}},
		{TenantID: "T1", LimitPolicy: LimitPolicy{EndpointClass: "detection", Scope: ScopeTenant, MaxRequests: 10, Window: time.Minute}},
	}

	set, err := NewPolicySet(rules, "test", time.Now())
	if err != nil {
		t.Fatalf("NewPolicySet returned error: %v", err)
	}

	got := set.Resolve("detection", "pro", "T1")
	if len(got) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(got))
	}
	if got[0].Scope != ScopeIP || got[0].MaxRequests != 100 {
		t.Fatalf("unexpected ip policy: %+v", got[0])
	}
	if got[1].Scope != ScopeTenant || got[1].MaxRequests != 10 {
		t.Fatalf("expected tenant override to win, got %+v", got[1])
	}

	got = set.Resolve("detection", "pro", "T2")
	if got[1].MaxRequests != 500 {
		t.Fatalf("expected tier policy for tenant without override, got %+v", got[1])
	}

	got = set.Resolve("detection", "enterprise", "T2")
	if got[1].MaxRequests != 50 {
		t.Fatalf("expected default tier policy for unknown tier, got %+v", got[1])
	}
}

func TestPolicySetResolveSkipsScopesWithoutPolicy(t *testing.T) {
	set, err := NewPolicySet([]PolicyRule{
		{LimitPolicy: LimitPolicy{EndpointClass: "auth", Scope: ScopeIP, MaxRequests: 5, Window: 5 * time.Minute}},
	}, "test", time.Now())
	if err != nil {
		t.Fatalf("NewPolicySet returned error: %v", err)
	}

	got := set.Resolve("auth", "", "T1")
	if len(got) != 1 || got[0].Scope != ScopeIP {
		t.Fatalf("expected only the ip policy, got %+v", got)
	}
}

func TestPolicySetUnknownClassUsesDefaultClass(t *testing.T) {
	set, err := NewPolicySet(DefaultPolicyRules(), "builtin", time.Now())
	if err != nil {
		t.Fatalf("NewPolicySet returned error: %v", err)
	}

	got := set.Resolve("reports-export", "", "T1")
	if len(got) != 2 {
		t.Fatalf("expected default ip and tenant policies, got %+v", got)
	}
	if got[0].EndpointClass != EndpointClassDefault || got[0].MaxRequests != 100 {
		t.Fatalf("unexpected policy %+v", got[0])
	}
	if got[1].MaxRequests != 1000 {
		t.Fatalf("expected tenant limit ten times the ip limit, got %d", got[1].MaxRequests)
	}
}

func TestPolicySetRejectsDuplicatesAndInvalidRules(t *testing.T) {
	dup := []PolicyRule{
		{LimitPolicy: LimitPolicy{EndpointClass: "default", Scope: ScopeIP, MaxRequests: 1, Window: time.Minute}},
		{Tier: "default", LimitPolicy: LimitPolicy{EndpointClass: "DEFAULT", Scope: ScopeIP, MaxRequests: 2, Window: time.Minute}},
	}
	if _, err := NewPolicySet(dup, "test", time.Now()); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy for duplicate, got %v", err)
	}

	invalid := []PolicyRule{
		{LimitPolicy: LimitPolicy{EndpointClass: "default", Scope: ScopeIP, MaxRequests: 0, Window: time.Minute}},
	}
	if _, err := NewPolicySet(invalid, "test", time.Now()); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy for zero limit, got %v", err)
	}

	badScope := []PolicyRule{
		{LimitPolicy: LimitPolicy{EndpointClass: "default", Scope: "device", MaxRequests: 1, Window: time.Minute}},
	}
	if _, err := NewPolicySet(badScope, "test", time.Now()); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy for unknown scope, got %v", err)
	}
}

func TestNilPolicySetResolvesNothing(t *testing.T) {
	var set *PolicySet
	if got := set.Resolve("default", "", ""); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}
