package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PolicyRule is a LimitPolicy bound to a tenant tier, or to a single tenant when TenantID is set.
type PolicyRule struct {
	Tier     string
	TenantID string
	LimitPolicy
}

type scopedPolicies map[string]map[Scope]LimitPolicy

// PolicySet is an immutable snapshot of the limit policy table.
type PolicySet struct {
	tiers    map[string]scopedPolicies
	tenants  map[string]scopedPolicies
	classes  map[string]struct{}
	rules    []PolicyRule
	loadedAt time.Time
	source   string
}

// NewPolicySet validates rules and indexes them. Two rules for the same
// (tier or tenant, endpoint class, scope) are rejected.
func NewPolicySet(rules []PolicyRule, source string, loadedAt time.Time) (*PolicySet, error) {
	set := &PolicySet{
		tiers:    make(map[string]scopedPolicies),
		tenants:  make(map[string]scopedPolicies),
		classes:  make(map[string]struct{}),
		rules:    make([]PolicyRule, 0, len(rules)),
		loadedAt: loadedAt.UTC(),
		source:   source,
	}

	for i, rule := range rules {
		rule.EndpointClass = NormalizeEndpointClass(rule.EndpointClass)
		scope, err := ParseScope(string(rule.Scope))
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w: %v", i, ErrInvalidPolicy, err)
		}
		rule.Scope = scope
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}

		rule.TenantID = strings.TrimSpace(rule.TenantID)
		rule.Tier = strings.ToLower(strings.TrimSpace(rule.Tier))

		var index map[string]scopedPolicies
		var owner string
		if rule.TenantID != "" {
			index, owner = set.tenants, rule.TenantID
			rule.Tier = ""
		} else {
			if rule.Tier == "" {
				rule.Tier = DefaultTier
			}
			index, owner = set.tiers, rule.Tier
		}

		byClass, ok := index[owner]
		if !ok {
			byClass = make(scopedPolicies)
			index[owner] = byClass
		}
		byScope, ok := byClass[rule.EndpointClass]
		if !ok {
			byScope = make(map[Scope]LimitPolicy)
			byClass[rule.EndpointClass] = byScope
		}
		if _, dup := byScope[rule.Scope]; dup {
			return nil, fmt.Errorf("rule %d: %w: duplicate policy for %q class=%s scope=%s", i, ErrInvalidPolicy, owner, rule.EndpointClass, rule.Scope)
		}
		byScope[rule.Scope] = rule.LimitPolicy
		set.classes[rule.EndpointClass] = struct{}{}
		set.rules = append(set.rules, rule)
	}

	return set, nil
}

// Resolve returns the policies that constrain a request, ordered ip, tenant, user.
//
// Per scope the lookup is: tenant override, then the tenant's tier, then the default tier.
// A class without any rule anywhere resolves as the default endpoint class. A scope with no
// match is omitted and imposes no constraint.
func (s *PolicySet) Resolve(endpointClass, tier, tenantID string) []LimitPolicy {
	if s == nil {
		return nil
	}

	class := NormalizeEndpointClass(endpointClass)
	if _, known := s.classes[class]; !known {
		class = EndpointClassDefault
	}

	tier = strings.ToLower(strings.TrimSpace(tier))
	if tier == "" {
		tier = DefaultTier
	}
	tenantID = strings.TrimSpace(tenantID)

	resolved := make([]LimitPolicy, 0, len(Scopes))
	for _, scope := range Scopes {
		if policy, ok := s.lookup(class, scope, tier, tenantID); ok {
			resolved = append(resolved, policy)
		}
	}
	return resolved
}

func (s *PolicySet) lookup(class string, scope Scope, tier, tenantID string) (LimitPolicy, bool) {
	if tenantID != "" {
		if policy, ok := s.tenants[tenantID][class][scope]; ok {
			return policy, true
		}
	}
	if policy, ok := s.tiers[tier][class][scope]; ok {
		return policy, true
	}
	if tier != DefaultTier {
		if policy, ok := s.tiers[DefaultTier][class][scope]; ok {
			return policy, true
		}
	}
	return LimitPolicy{}, false
}

// Rules returns a copy of every rule, sorted for stable output.
func (s *PolicySet) Rules() []PolicyRule {
	if s == nil {
		return nil
	}
	out := make([]PolicyRule, len(s.rules))
	copy(out, s.rules)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.EndpointClass != b.EndpointClass {
			return a.EndpointClass < b.EndpointClass
		}
		return a.Scope < b.Scope
	})
	return out
}

// LoadedAt reports when the snapshot was built.
func (s *PolicySet) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Source names where the snapshot came from (file path or "builtin").
func (s *PolicySet) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// DefaultPolicyRules is the built-in table used when no policy file is configured.
// Tenant limits are ten times the per-IP limits.
func DefaultPolicyRules() []PolicyRule {
	base := []struct {
		class  string
		limit  int64
		window time.Duration
	}{
		{EndpointClassDefault, 100, time.Minute},
		{EndpointClassAuth, 5, 5 * time.Minute},
		{EndpointClassAuthRegister, 3, time.Hour},
		{EndpointClassQuoteWrite, 10, time.Minute},
		{EndpointClassQuoteRead, 50, time.Minute},
		{EndpointClassFileUpload, 20, 5 * time.Minute},
		{EndpointClassDetection, 5, time.Minute},
		{EndpointClassPublicQuote, 20, 5 * time.Minute},
	}

	rules := make([]PolicyRule, 0, len(base)*2)
	for _, b := range base {
		rules = append(rules, PolicyRule{
			Tier:        DefaultTier,
			LimitPolicy: LimitPolicy{EndpointClass: b.class, Scope: ScopeIP, MaxRequests: b.limit, Window: b.window},
		})
		if b.class == EndpointClassAuth {
			// login attempts are limited per address only
			continue
		}
		rules = append(rules, PolicyRule{
			Tier:        DefaultTier,
			LimitPolicy: LimitPolicy{EndpointClass: b.class, Scope: ScopeTenant, MaxRequests: b.limit * 10, Window: b.window},
		})
	}
	return rules
}
