package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/core/port"
)

// ErrAuditDispatcherClosed is returned when Start is called after Close.
var ErrAuditDispatcherClosed = errors.New("audit dispatcher closed")

// AuditMetrics captures telemetry hooks for denial auditing.
type AuditMetrics interface {
	IncAuditDropped()
	IncAuditPublished(sink string)
	IncAuditFailed(sink string)
}

// AuditOptions configures the dispatcher queue and workers.
type AuditOptions struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration
}

// AuditDispatcher records denials without blocking the decision path. Events go into a
// bounded queue drained by background workers; when the queue is full the event is dropped.
type AuditDispatcher struct {
	sinks   []port.AuditSink
	queue   chan domain.RateLimitDeniedEvent
	workers int
	timeout time.Duration
	logger  *zap.Logger
	metrics AuditMetrics

	dropWarn rate.Sometimes

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

// NewAuditDispatcher constructs a dispatcher delivering to every sink.
func NewAuditDispatcher(sinks []port.AuditSink, opts AuditOptions) *AuditDispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &AuditDispatcher{
		sinks:    sinks,
		queue:    make(chan domain.RateLimitDeniedEvent, opts.QueueSize),
		workers:  opts.Workers,
		timeout:  opts.Timeout,
		logger:   zap.NewNop(),
		dropWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// WithLogger attaches a structured logger.
func (d *AuditDispatcher) WithLogger(logger *zap.Logger) *AuditDispatcher {
	if logger != nil {
		d.logger = logger
	}
	return d
}

// WithMetrics wires telemetry observers.
func (d *AuditDispatcher) WithMetrics(metrics AuditMetrics) *AuditDispatcher {
	if metrics != nil {
		d.metrics = metrics
	}
	return d
}

// Start launches the workers. It is a no-op when already started.
func (d *AuditDispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrAuditDispatcherClosed
	}
	if d.started {
		return nil
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return nil
}

// RecordDenial enqueues the event and returns immediately.
func (d *AuditDispatcher) RecordDenial(event domain.RateLimitDeniedEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(event, "dispatcher closed")
		return
	}

	select {
	case d.queue <- event:
	default:
		d.drop(event, "queue full")
	}
}

// Pending reports how many events wait in the queue.
func (d *AuditDispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting events and waits for queued ones to be delivered or for ctx to end.
func (d *AuditDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		d.logger.Warn("audit dispatcher shutdown timed out", zap.Int("pending", len(d.queue)))
		return ctx.Err()
	}
}

func (d *AuditDispatcher) run() {
	defer d.wg.Done()
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *AuditDispatcher) deliver(event domain.RateLimitDeniedEvent) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := sink.PublishRateLimitDenied(ctx, event)
		cancel()

		if err != nil {
			if d.metrics != nil {
				d.metrics.IncAuditFailed(sink.Name())
			}
			d.logger.Warn("audit sink failed",
				zap.String("sink", sink.Name()),
				zap.String("event_id", event.EventID),
				zap.String("identifier", event.Identifier),
				zap.Error(err),
			)
			continue
		}
		if d.metrics != nil {
			d.metrics.IncAuditPublished(sink.Name())
		}
	}
}

func (d *AuditDispatcher) drop(event domain.RateLimitDeniedEvent, reason string) {
	if d.metrics != nil {
		d.metrics.IncAuditDropped()
	}
	d.dropWarn.Do(func() {
		d.logger.Warn("audit event dropped",
			zap.String("reason", reason),
			zap.String("identifier", event.Identifier),
			zap.String("endpoint_class", event.EndpointClass),
		)
	})
}

var _ port.AuditRecorder = (*AuditDispatcher)(nil)
