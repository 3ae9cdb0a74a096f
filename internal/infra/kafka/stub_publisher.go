package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/core/port"
	"github.com/arklim/tenant-ratelimit/internal/infra/logger"
)

// StubSinkName identifies the log-only audit sink.
const StubSinkName = "log"

// StubPublisher logs audit events instead of sending them to Kafka.
type StubPublisher struct {
	log *zap.Logger
}

// NewStubPublisher constructs the log-only audit sink.
func NewStubPublisher(log *zap.Logger) *StubPublisher {
	return &StubPublisher{log: log}
}

// Name reports the sink name.
func (p *StubPublisher) Name() string {
	return StubSinkName
}

// PublishRateLimitDenied logs ratelimit.denied events.
func (p *StubPublisher) PublishRateLimitDenied(_ context.Context, event domain.RateLimitDeniedEvent) error {
	at := event.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}

	p.log.Info("rate limit denial",
		zap.String("event_type", domain.RateLimitDeniedEventType),
		zap.String("event_id", event.EventID),
		logger.Identifier(event.Identifier),
		zap.String("endpoint_class", event.EndpointClass),
		zap.String("scope", string(event.Scope)),
		zap.Int64("retry_after_seconds", event.RetryAfterSeconds),
		zap.String("store", event.Store),
		zap.Time("timestamp", at.UTC()),
	)
	return nil
}

var _ port.AuditSink = (*StubPublisher)(nil)
