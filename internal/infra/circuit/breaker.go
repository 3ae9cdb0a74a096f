// Package circuit guards a remote dependency with a lock-free circuit breaker.
package circuit

import (
	"sync/atomic"
	"time"
)

// State is the breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Options configures breaker thresholds.
type Options struct {
	FailureThreshold int64
	OpenDuration     time.Duration
	HalfOpenMaxCalls int64
}

// Breaker counts consecutive failures and rejects calls for OpenDuration once
// FailureThreshold is reached. After that it lets HalfOpenMaxCalls trial calls through.
type Breaker struct {
	state            atomic.Int32
	openUntil        atomic.Int64
	failures         atomic.Int64
	halfOpenInFlight atomic.Int64
	generation       atomic.Int64 // bumped on every transition into half-open
	opts             Options
	now              func() time.Time
}

// Permit is returned by Allow and handed back with the call outcome. The zero value is
// an ordinary closed-state call.
type Permit struct {
	trial      bool
	generation int64
}

// Trial reports whether the call holds a half-open trial slot.
func (p Permit) Trial() bool {
	return p.trial
}

// NewBreaker constructs a breaker with defaults for unset options.
func NewBreaker(opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.OpenDuration <= 0 {
		opts.OpenDuration = 2 * time.Second
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 1
	}
	b := &Breaker{opts: opts, now: time.Now}
	b.state.Store(int32(StateClosed))
	return b
}

// WithClock overrides the clock, used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	if b == nil || now == nil {
		return b
	}
	b.now = now
	return b
}

// State reports the current state without transitioning.
func (b *Breaker) State() State {
	if b == nil {
		return StateClosed
	}
	return State(b.state.Load())
}

// Ready reports whether a call would currently be admitted, without reserving a trial slot.
func (b *Breaker) Ready() bool {
	if b == nil {
		return true
	}
	switch State(b.state.Load()) {
	case StateOpen:
		return b.now().UnixNano() >= b.openUntil.Load()
	case StateHalfOpen:
		return b.halfOpenInFlight.Load() < b.opts.HalfOpenMaxCalls
	default:
		return true
	}
}

// Allow reports whether the call should proceed. Every admitted call must end with
// OnSuccess, OnFailure or Release, passing back the permit.
func (b *Breaker) Allow() (Permit, bool) {
	if b == nil {
		return Permit{}, true
	}
	switch State(b.state.Load()) {
	case StateClosed:
		return Permit{}, true
	case StateOpen:
		if b.now().UnixNano() < b.openUntil.Load() {
			return Permit{}, false
		}
		if b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen)) {
			b.halfOpenInFlight.Store(0)
			b.generation.Add(1)
		}
		return b.admitTrial()
	case StateHalfOpen:
		return b.admitTrial()
	default:
		return Permit{}, true
	}
}

func (b *Breaker) admitTrial() (Permit, bool) {
	generation := b.generation.Load()
	if b.halfOpenInFlight.Add(1) <= b.opts.HalfOpenMaxCalls {
		return Permit{trial: true, generation: generation}, true
	}
	b.halfOpenInFlight.Add(-1)
	return Permit{}, false
}

// releaseTrial frees the slot held by p. It is false when p is not a trial of the
// current half-open period.
func (b *Breaker) releaseTrial(p Permit) bool {
	if !p.trial || State(b.state.Load()) != StateHalfOpen || b.generation.Load() != p.generation {
		return false
	}
	b.halfOpenInFlight.Add(-1)
	return true
}

// OnSuccess records a successful call. Only a current trial call closes a half-open breaker.
func (b *Breaker) OnSuccess(p Permit) {
	if b == nil {
		return
	}
	if p.trial {
		if b.releaseTrial(p) {
			b.failures.Store(0)
			b.state.Store(int32(StateClosed))
		}
		return
	}
	if State(b.state.Load()) == StateClosed {
		b.failures.Store(0)
	}
}

// OnFailure records a failure and opens the breaker once the threshold is hit.
// Late outcomes of calls admitted before the breaker opened are ignored.
func (b *Breaker) OnFailure(p Permit) {
	if b == nil {
		return
	}
	if p.trial {
		if b.releaseTrial(p) {
			b.trip()
		}
		return
	}
	if State(b.state.Load()) != StateClosed {
		return
	}
	if b.failures.Add(1) >= b.opts.FailureThreshold {
		b.trip()
	}
}

// Release ends an admitted call without counting an outcome, e.g. when the caller
// gave up before the dependency answered.
func (b *Breaker) Release(p Permit) {
	if b == nil {
		return
	}
	b.releaseTrial(p)
}

func (b *Breaker) trip() {
	b.failures.Store(b.opts.FailureThreshold)
	b.openUntil.Store(b.now().Add(b.opts.OpenDuration).UnixNano())
	b.state.Store(int32(StateOpen))
}
