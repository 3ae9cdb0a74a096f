package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/core/port"
)

// LedgerStoreName identifies the PostgreSQL ledger in logs and metrics.
const LedgerStoreName = "postgres"

const windowsTable = "rate_limit_windows"

const upsertWindowSuffix = "ON CONFLICT (identifier, endpoint_class, window_start) " +
	"DO UPDATE SET count = " + windowsTable + ".count + 1, updated_at = EXCLUDED.updated_at " +
	"RETURNING count"

// WindowLedgerConfig bounds every ledger call.
type WindowLedgerConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	// RetryBackoff is the base wait between conflict retries; it grows linearly per attempt.
	RetryBackoff time.Duration
}

// WindowLedgerRepository implements port.WindowLedger backed by PostgreSQL.
type WindowLedgerRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
	cfg     WindowLedgerConfig
	now     func() time.Time
}

// NewWindowLedgerRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewWindowLedgerRepository(exec pgExecutor, cfg WindowLedgerConfig) *WindowLedgerRepository {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	return &WindowLedgerRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		cfg:     cfg,
		now:     time.Now,
	}
}

// WithClock overrides the clock used for created_at/updated_at.
func (r *WindowLedgerRepository) WithClock(now func() time.Time) *WindowLedgerRepository {
	if r == nil || now == nil {
		return r
	}
	r.now = now
	return r
}

// Name reports the store name.
func (r *WindowLedgerRepository) Name() string {
	return LedgerStoreName
}

// IncrementAndGet upserts the window row and returns the new count in a single statement.
// Serialization failures and deadlocks are retried up to MaxAttempts.
func (r *WindowLedgerRepository) IncrementAndGet(ctx context.Context, key domain.WindowKey) (domain.CounterReading, error) {
	if key.Window <= 0 {
		return domain.CounterReading{}, fmt.Errorf("%w: window must be positive", domain.ErrInvalidPolicy)
	}

	now := r.now().UTC()
	sql, args, err := r.builder.Insert(windowsTable).
		Columns("identifier", "endpoint_class", "window_start", "count", "created_at", "updated_at").
		Values(key.Identifier, key.EndpointClass, key.WindowStart.UTC(), 1, now, now).
		Suffix(upsertWindowSuffix).
		ToSql()
	if err != nil {
		return domain.CounterReading{}, fmt.Errorf("build upsert window sql: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		var count int64
		lastErr = r.exec.QueryRow(callCtx, sql, args...).Scan(&count)
		if lastErr == nil {
			ttl := key.End().Sub(now)
			if ttl < 0 {
				ttl = 0
			}
			return domain.CounterReading{Count: count, TTL: ttl}, nil
		}
		if !isRetryableConflict(lastErr) || attempt == r.cfg.MaxAttempts {
			break
		}
		if err := r.backoff(callCtx, attempt); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
	}

	return domain.CounterReading{}, domain.StoreUnavailable(LedgerStoreName, "upsert window", lastErr)
}

func (r *WindowLedgerRepository) backoff(ctx context.Context, attempt int) error {
	if r.cfg.RetryBackoff == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(attempt) * r.cfg.RetryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsAvailable pings the database within the ledger timeout.
func (r *WindowLedgerRepository) IsAvailable(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.exec.Ping(pingCtx) == nil
}

// ListWindows returns the windows of an identifier starting at or after since, newest first.
func (r *WindowLedgerRepository) ListWindows(ctx context.Context, identifier string, since time.Time, limit uint64) ([]domain.RateLimitWindow, error) {
	query := r.builder.Select("identifier", "endpoint_class", "window_start", "count", "created_at", "updated_at").
		From(windowsTable).
		Where(squirrel.Eq{"identifier": identifier}).
		Where(squirrel.GtOrEq{"window_start": since.UTC()}).
		OrderBy("window_start DESC", "endpoint_class")
	if limit > 0 {
		query = query.Limit(limit)
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list windows sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list windows: %w", err)
	}
	defer rows.Close()

	var windows []domain.RateLimitWindow
	for rows.Next() {
		var w domain.RateLimitWindow
		if err := rows.Scan(&w.Identifier, &w.EndpointClass, &w.WindowStart, &w.Count, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate windows: %w", err)
	}

	return windows, nil
}

// PurgeBefore deletes windows that started before cutoff and reports how many were removed.
func (r *WindowLedgerRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	sql, args, err := r.builder.Delete(windowsTable).
		Where(squirrel.Lt{"window_start": cutoff.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build purge windows sql: %w", err)
	}

	tag, err := r.exec.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("purge windows: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ port.WindowLedger = (*WindowLedgerRepository)(nil)
