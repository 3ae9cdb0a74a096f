package port

import "github.com/arklim/tenant-ratelimit/internal/core/domain"

// PolicyResolver resolves the limit policies applicable to a request. Resolution is a pure lookup.
type PolicyResolver interface {
	Resolve(endpointClass, tier, tenantID string) []domain.LimitPolicy
}

// PolicySource loads a complete policy snapshot.
type PolicySource interface {
	Load() (*domain.PolicySet, error)
}
