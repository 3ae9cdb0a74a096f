package port

import (
	"context"
	"time"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
)

// AuditRecorder accepts denial events without blocking the caller. Delivery is best effort.
type AuditRecorder interface {
	RecordDenial(event domain.RateLimitDeniedEvent)
}

// AuditSink delivers a denial event to one destination (message bus, database, log).
type AuditSink interface {
	Name() string
	PublishRateLimitDenied(ctx context.Context, event domain.RateLimitDeniedEvent) error
}

// DenialAuditRepository persists and lists denial records.
type DenialAuditRepository interface {
	AppendDenial(ctx context.Context, event domain.RateLimitDeniedEvent) error
	ListDenials(ctx context.Context, identifier string, limit uint64) ([]domain.RateLimitDeniedEvent, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
