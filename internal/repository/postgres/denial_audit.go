package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/core/port"
)

// DenialSinkName identifies the database audit sink.
const DenialSinkName = "postgres"

const denialsTable = "rate_limit_denials"

const defaultDenialListLimit = 100

var denialColumns = []string{
	"id",
	"identifier",
	"endpoint_class",
	"scope",
	"limit_value",
	"count",
	"retry_after_seconds",
	"store",
	"trace_id",
	"occurred_at",
	"metadata",
}

// DenialAuditRepository persists denial audit records in PostgreSQL.
type DenialAuditRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewDenialAuditRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewDenialAuditRepository(exec pgExecutor) *DenialAuditRepository {
	return &DenialAuditRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Name reports the sink name.
func (r *DenialAuditRepository) Name() string {
	return DenialSinkName
}

// PublishRateLimitDenied stores the event, satisfying port.AuditSink.
func (r *DenialAuditRepository) PublishRateLimitDenied(ctx context.Context, event domain.RateLimitDeniedEvent) error {
	return r.AppendDenial(ctx, event)
}

// AppendDenial inserts a denial record. Events without an id get a fresh one.
func (r *DenialAuditRepository) AppendDenial(ctx context.Context, event domain.RateLimitDeniedEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	metadata, err := marshalDenialMetadata(event.Metadata)
	if err != nil {
		return err
	}

	sql, args, err := r.builder.Insert(denialsTable).
		Columns(denialColumns...).
		Values(
			event.EventID,
			event.Identifier,
			event.EndpointClass,
			string(event.Scope),
			event.Limit,
			event.Count,
			event.RetryAfterSeconds,
			event.Store,
			event.TraceID,
			event.OccurredAt.UTC(),
			metadata,
		).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert denial sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert denial: %w", err)
	}
	return nil
}

// ListDenials returns the most recent denials, optionally filtered by identifier.
func (r *DenialAuditRepository) ListDenials(ctx context.Context, identifier string, limit uint64) ([]domain.RateLimitDeniedEvent, error) {
	if limit == 0 {
		limit = defaultDenialListLimit
	}

	query := r.builder.Select(denialColumns...).
		From(denialsTable).
		OrderBy("occurred_at DESC").
		Limit(limit)
	if identifier != "" {
		query = query.Where(squirrel.Eq{"identifier": identifier})
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list denials sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list denials: %w", err)
	}
	defer rows.Close()

	var events []domain.RateLimitDeniedEvent
	for rows.Next() {
		var (
			event    domain.RateLimitDeniedEvent
			scope    string
			metadata []byte
		)
		if err := rows.Scan(
			&event.EventID,
			&event.Identifier,
			&event.EndpointClass,
			&scope,
			&event.Limit,
			&event.Count,
			&event.RetryAfterSeconds,
			&event.Store,
			&event.TraceID,
			&event.OccurredAt,
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("scan denial: %w", err)
		}
		event.Scope = domain.Scope(scope)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
				return nil, fmt.Errorf("decode denial metadata: %w", err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate denials: %w", err)
	}

	return events, nil
}

// PurgeBefore deletes denial records older than cutoff.
func (r *DenialAuditRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	sql, args, err := r.builder.Delete(denialsTable).
		Where(squirrel.Lt{"occurred_at": cutoff.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge denials sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("purge denials: %w", err)
	}
	return tag.RowsAffected(), nil
}

func marshalDenialMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode denial metadata: %w", err)
	}
	return data, nil
}

var (
	_ port.DenialAuditRepository = (*DenialAuditRepository)(nil)
	_ port.AuditSink             = (*DenialAuditRepository)(nil)
)
