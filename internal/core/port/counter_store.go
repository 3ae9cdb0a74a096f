package port

import (
	"context"
	"time"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
)

// CounterStore is the capability shared by the fast window store and the durable ledger.
//
// IncrementAndGet must add one to the window and return the new count in a single atomic
// step. Connectivity, timeout and retry exhaustion failures are reported as
// domain.ErrStoreUnavailable so the caller can fall back without inspecting the cause.
type CounterStore interface {
	Name() string
	IncrementAndGet(ctx context.Context, key domain.WindowKey) (domain.CounterReading, error)
	IsAvailable(ctx context.Context) bool
}

// WindowLedger is the durable counter store plus its compliance read and maintenance operations.
type WindowLedger interface {
	CounterStore
	ListWindows(ctx context.Context, identifier string, since time.Time, limit uint64) ([]domain.RateLimitWindow, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
