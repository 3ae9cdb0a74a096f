package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/core/port"
)

type stubAuditMetrics struct {
	mu        sync.Mutex
	dropped   int
	published map[string]int
	failed    map[string]int
}

func newStubAuditMetrics() *stubAuditMetrics {
	return &stubAuditMetrics{published: make(map[string]int), failed: make(map[string]int)}
}

func (m *stubAuditMetrics) IncAuditDropped() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

func (m *stubAuditMetrics) IncAuditPublished(sink string) {
	m.mu.Lock()
	m.published[sink]++
	m.mu.Unlock()
}

func (m *stubAuditMetrics) IncAuditFailed(sink string) {
	m.mu.Lock()
	m.failed[sink]++
	m.mu.Unlock()
}

func (m *stubAuditMetrics) droppedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func deniedEvent(id string) domain.RateLimitDeniedEvent {
	return domain.RateLimitDeniedEvent{
		EventID:       id,
		Identifier:    "ip:203.0.113.7",
		EndpointClass: "auth",
		Scope:         domain.ScopeIP,
		OccurredAt:    decisionNow,
	}
}

func TestAuditDispatcher_DeliversToEverySink(t *testing.T) {
	kafka := &stubAuditSink{name: "kafka"}
	db := &stubAuditSink{name: "postgres", err: errors.New("insert failed")}
	metrics := newStubAuditMetrics()

	d := NewAuditDispatcher([]port.AuditSink{kafka, db}, AuditOptions{QueueSize: 8, Workers: 2}).
		WithLogger(zaptest.NewLogger(t)).
		WithMetrics(metrics)
	if err := d.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	for _, id := range []string{"e1", "e2", "e3"} {
		d.RecordDenial(deniedEvent(id))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	if kafka.delivered() != 3 || db.delivered() != 3 {
		t.Fatalf("expected both sinks to see 3 events, got kafka=%d postgres=%d", kafka.delivered(), db.delivered())
	}
	if metrics.published["kafka"] != 3 || metrics.failed["postgres"] != 3 {
		t.Fatalf("unexpected metrics published=%v failed=%v", metrics.published, metrics.failed)
	}
}

func TestAuditDispatcher_DropsWhenQueueFullWithoutBlocking(t *testing.T) {
	release := make(chan struct{})
	sink := &stubAuditSink{name: "kafka", release: release}
	metrics := newStubAuditMetrics()

	d := NewAuditDispatcher([]port.AuditSink{sink}, AuditOptions{QueueSize: 2, Workers: 1, Timeout: 5 * time.Second}).
		WithMetrics(metrics)
	if err := d.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	// the worker takes the first event and blocks on release
	d.RecordDenial(deniedEvent("e0"))
	deadline := time.Now().Add(time.Second)
	for d.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.RecordDenial(deniedEvent("burst"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RecordDenial blocked on a full queue")
	}

	if got := metrics.droppedCount(); got != 8 {
		t.Fatalf("expected 8 dropped events, got %d", got)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if sink.delivered() != 3 {
		t.Fatalf("expected 3 delivered events, got %d", sink.delivered())
	}
}

func TestAuditDispatcher_RecordAfterCloseIsDropped(t *testing.T) {
	sink := &stubAuditSink{name: "log"}
	metrics := newStubAuditMetrics()
	d := NewAuditDispatcher([]port.AuditSink{sink}, AuditOptions{}).WithMetrics(metrics)
	if err := d.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	d.RecordDenial(deniedEvent("late"))

	if metrics.droppedCount() != 1 {
		t.Fatalf("expected late event to be dropped")
	}
	if err := d.Start(); !errors.Is(err, ErrAuditDispatcherClosed) {
		t.Fatalf("expected ErrAuditDispatcherClosed, got %v", err)
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
}

func TestAuditDispatcher_CloseHonoursContext(t *testing.T) {
	sink := &stubAuditSink{name: "kafka", release: make(chan struct{})}
	d := NewAuditDispatcher([]port.AuditSink{sink}, AuditOptions{Timeout: time.Minute})
	if err := d.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	d.RecordDenial(deniedEvent("stuck"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(sink.release)
}
