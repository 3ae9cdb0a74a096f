package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/core/port"
)

// ErrIdentifierRequired indicates a ledger lookup without an identifier.
var ErrIdentifierRequired = errors.New("identifier is required")

const maxListLimit = 1000

// PurgeResult reports how many rows a retention pass removed.
type PurgeResult struct {
	Cutoff  time.Time `json:"cutoff"`
	Windows int64     `json:"windows"`
	Denials int64     `json:"denials"`
}

// MaintenanceService serves the compliance reads and retention purge of the durable stores.
// It never takes part in a rate-limit decision.
type MaintenanceService struct {
	ledger    port.WindowLedger
	denials   port.DenialAuditRepository
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewMaintenanceService constructs the service. denials may be nil when the audit table is not used.
func NewMaintenanceService(ledger port.WindowLedger, denials port.DenialAuditRepository, retention time.Duration) *MaintenanceService {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &MaintenanceService{
		ledger:    ledger,
		denials:   denials,
		retention: retention,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
}

// WithLogger attaches a structured logger.
func (s *MaintenanceService) WithLogger(logger *zap.Logger) *MaintenanceService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithNow overrides the clock, primarily for deterministic testing.
func (s *MaintenanceService) WithNow(now func() time.Time) *MaintenanceService {
	if now != nil {
		s.now = now
	}
	return s
}

// Purge removes ledger windows and denial records older than the retention period.
func (s *MaintenanceService) Purge(ctx context.Context) (PurgeResult, error) {
	result := PurgeResult{Cutoff: s.now().UTC().Add(-s.retention)}

	windows, err := s.ledger.PurgeBefore(ctx, result.Cutoff)
	if err != nil {
		return result, fmt.Errorf("purge ledger windows: %w", err)
	}
	result.Windows = windows

	if s.denials != nil {
		denials, err := s.denials.PurgeBefore(ctx, result.Cutoff)
		if err != nil {
			return result, fmt.Errorf("purge denials: %w", err)
		}
		result.Denials = denials
	}

	s.logger.Info("rate limit retention purge completed",
		zap.Time("cutoff", result.Cutoff),
		zap.Int64("windows", result.Windows),
		zap.Int64("denials", result.Denials),
	)
	return result, nil
}

// ListWindows returns persisted windows of an identifier since the given instant.
// A zero since defaults to the start of the retention period.
func (s *MaintenanceService) ListWindows(ctx context.Context, identifier string, since time.Time, limit uint64) ([]domain.RateLimitWindow, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, ErrIdentifierRequired
	}
	if since.IsZero() {
		since = s.now().UTC().Add(-s.retention)
	}
	return s.ledger.ListWindows(ctx, identifier, since, clampLimit(limit))
}

// ListDenials returns the most recent denial records, optionally for one identifier.
func (s *MaintenanceService) ListDenials(ctx context.Context, identifier string, limit uint64) ([]domain.RateLimitDeniedEvent, error) {
	if s.denials == nil {
		return nil, nil
	}
	return s.denials.ListDenials(ctx, strings.TrimSpace(identifier), clampLimit(limit))
}

func clampLimit(limit uint64) uint64 {
	if limit == 0 {
		return 100
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
