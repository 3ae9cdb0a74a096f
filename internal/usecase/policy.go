package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/core/port"
)

// ErrPolicySourceMissing indicates a reload was requested without a configured source.
var ErrPolicySourceMissing = errors.New("policy source is not configured")

// BuiltinPolicySource names the policy snapshot compiled into the binary.
const BuiltinPolicySource = "builtin"

// PolicyService serves limit policies from an immutable snapshot that reloads swap atomically.
type PolicyService struct {
	current atomic.Pointer[domain.PolicySet]
	source  port.PolicySource
	logger  *zap.Logger
	now     func() time.Time
}

// NewPolicyService constructs the service. A nil initial snapshot falls back to the built-in table.
func NewPolicyService(initial *domain.PolicySet, source port.PolicySource) (*PolicyService, error) {
	svc := &PolicyService{
		source: source,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	if initial == nil {
		builtin, err := domain.NewPolicySet(domain.DefaultPolicyRules(), BuiltinPolicySource, svc.now())
		if err != nil {
			return nil, fmt.Errorf("build default policies: %w", err)
		}
		initial = builtin
	}
	svc.current.Store(initial)
	return svc, nil
}

// WithLogger attaches a structured logger.
func (s *PolicyService) WithLogger(logger *zap.Logger) *PolicyService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Resolve returns the applicable policies from the current snapshot.
func (s *PolicyService) Resolve(endpointClass, tier, tenantID string) []domain.LimitPolicy {
	return s.current.Load().Resolve(endpointClass, tier, tenantID)
}

// Snapshot returns the active policy set.
func (s *PolicyService) Snapshot() *domain.PolicySet {
	return s.current.Load()
}

// Swap installs a new snapshot. In-flight resolutions keep the snapshot they started with.
func (s *PolicyService) Swap(set *domain.PolicySet) error {
	if set == nil {
		return fmt.Errorf("%w: nil policy set", domain.ErrInvalidPolicy)
	}
	previous := s.current.Swap(set)
	s.logger.Info("rate limit policies swapped",
		zap.String("source", set.Source()),
		zap.Int("rules", len(set.Rules())),
		zap.Int("previous_rules", len(previous.Rules())),
	)
	return nil
}

// Reload loads a fresh snapshot from the source. On failure the current snapshot stays active.
func (s *PolicyService) Reload(ctx context.Context) (*domain.PolicySet, error) {
	if s.source == nil {
		return nil, ErrPolicySourceMissing
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	set, err := s.source.Load()
	if err != nil {
		s.logger.Warn("rate limit policy reload failed, keeping current policies", zap.Error(err))
		return nil, fmt.Errorf("reload policies: %w", err)
	}
	if err := s.Swap(set); err != nil {
		return nil, err
	}
	return set, nil
}

var _ port.PolicyResolver = (*PolicyService)(nil)
