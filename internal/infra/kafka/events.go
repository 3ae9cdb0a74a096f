package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/core/port"
	"github.com/arklim/tenant-ratelimit/internal/infra/config"
)

const schemaVersion = "1.0"

// AuditSinkName identifies the Kafka audit sink.
const AuditSinkName = "kafka"

// AuditPublisher implements port.AuditSink using Kafka.
type AuditPublisher struct {
	producer *Producer
	logger   *zap.Logger
	appCfg   config.AppSettings
}

// NewAuditPublisher constructs a Kafka-backed audit sink.
func NewAuditPublisher(producer *Producer, appCfg config.AppSettings, logger *zap.Logger) *AuditPublisher {
	return &AuditPublisher{producer: producer, appCfg: appCfg, logger: logger}
}

type envelopeMetadata map[string]string

type eventEnvelope struct {
	EventID   string           `json:"event_id"`
	EventType string           `json:"event_type"`
	Timestamp time.Time        `json:"timestamp"`
	Version   string           `json:"version"`
	Payload   any              `json:"payload"`
	Metadata  envelopeMetadata `json:"metadata,omitempty"`
}

// Name reports the sink name.
func (p *AuditPublisher) Name() string {
	return AuditSinkName
}

func (p *AuditPublisher) publish(ctx context.Context, eventID, eventType, key, traceID string, ts time.Time, payload any) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	id := eventID
	if id == "" {
		id = uuid.NewString()
	}

	metadata := envelopeMetadata{
		"service":     p.appCfg.Name,
		"environment": p.appCfg.Env,
	}

	if traceID != "" {
		metadata["trace_id"] = traceID
	} else if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		metadata["trace_id"] = sc.TraceID().String()
	}

	envelope := eventEnvelope{
		EventID:   id,
		EventType: eventType,
		Timestamp: ts.UTC(),
		Version:   schemaVersion,
		Payload:   payload,
		Metadata:  metadata,
	}

	bytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}

	return p.producer.Send(ctx, eventType, key, bytes)
}

// PublishRateLimitDenied publishes ratelimit.denied events keyed by identifier.
func (p *AuditPublisher) PublishRateLimitDenied(ctx context.Context, event domain.RateLimitDeniedEvent) error {
	payload := struct {
		Identifier        string         `json:"identifier"`
		EndpointClass     string         `json:"endpoint_class"`
		Scope             string         `json:"scope"`
		OccurredAt        time.Time      `json:"occurred_at"`
		Limit             int64          `json:"limit"`
		Count             int64          `json:"count"`
		RetryAfterSeconds int64          `json:"retry_after_seconds"`
		Store             string         `json:"store"`
		Metadata          map[string]any `json:"metadata,omitempty"`
	}{
		Identifier:        event.Identifier,
		EndpointClass:     event.EndpointClass,
		Scope:             string(event.Scope),
		OccurredAt:        event.OccurredAt.UTC(),
		Limit:             event.Limit,
		Count:             event.Count,
		RetryAfterSeconds: event.RetryAfterSeconds,
		Store:             event.Store,
		Metadata:          event.Metadata,
	}

	return p.publish(ctx, event.EventID, domain.RateLimitDeniedEventType, event.Identifier, event.TraceID, event.OccurredAt, payload)
}

var _ port.AuditSink = (*AuditPublisher)(nil)
