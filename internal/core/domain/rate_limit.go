package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrStoreUnavailable signals a counter store could not serve an increment (connectivity, timeout, open breaker, exhausted retries).
	ErrStoreUnavailable = errors.New("rate limit: counter store unavailable")
	// ErrInvalidPolicy indicates a limit policy failed validation.
	ErrInvalidPolicy = errors.New("rate limit: invalid policy")
)

// StoreUnavailable wraps a transport level failure so callers can match ErrStoreUnavailable uniformly.
func StoreUnavailable(store, op string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s %s", ErrStoreUnavailable, store, op)
	}
	return fmt.Errorf("%w: %s %s: %w", ErrStoreUnavailable, store, op, cause)
}

// Well-known endpoint classes. Any other non-empty string is accepted as a class too.
const (
	EndpointClassDefault      = "default"
	EndpointClassAuth         = "auth"
	EndpointClassAuthRegister = "auth-register"
	EndpointClassDetection    = "detection"
	EndpointClassQuoteWrite   = "quote-write"
	EndpointClassQuoteRead    = "quote-read"
	EndpointClassFileUpload   = "file-upload"
	EndpointClassPublicQuote  = "public-quote"
)

// DefaultTier is the tier used when a tenant carries none or its tier has no policy.
const DefaultTier = "default"

// NormalizeEndpointClass lowercases the class and maps blank input to the default class.
func NormalizeEndpointClass(class string) string {
	class = strings.ToLower(strings.TrimSpace(class))
	if class == "" {
		return EndpointClassDefault
	}
	return class
}

// LimitPolicy caps requests for one scope of one endpoint class.
type LimitPolicy struct {
	EndpointClass string
	Scope         Scope
	MaxRequests   int64
	Window        time.Duration
}

// Validate checks the policy is usable by the engine.
func (p LimitPolicy) Validate() error {
	if strings.TrimSpace(p.EndpointClass) == "" {
		return fmt.Errorf("%w: endpoint class is required", ErrInvalidPolicy)
	}
	if _, err := ParseScope(string(p.Scope)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive (class=%s scope=%s)", ErrInvalidPolicy, p.EndpointClass, p.Scope)
	}
	if p.Window < time.Second {
		return fmt.Errorf("%w: window must be at least one second (class=%s scope=%s)", ErrInvalidPolicy, p.EndpointClass, p.Scope)
	}
	return nil
}

// WindowStart floors at to the start of its fixed window, measured from the Unix epoch.
func WindowStart(at time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return at.UTC()
	}
	ns := at.UnixNano()
	offset := ns % int64(window)
	if offset < 0 {
		offset += int64(window)
	}
	return time.Unix(0, ns-offset).UTC()
}

// WindowKey addresses one counting window.
type WindowKey struct {
	Identifier    string
	EndpointClass string
	WindowStart   time.Time
	Window        time.Duration
}

// NewWindowKey builds the key for the window containing at.
func NewWindowKey(identifier, endpointClass string, window time.Duration, at time.Time) WindowKey {
	return WindowKey{
		Identifier:    identifier,
		EndpointClass: endpointClass,
		WindowStart:   WindowStart(at, window),
		Window:        window,
	}
}

// End returns the instant the window closes.
func (k WindowKey) End() time.Time {
	return k.WindowStart.Add(k.Window)
}

// String renders the key as "<identifier>:<endpoint_class>:<window_start_unix>".
func (k WindowKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.Identifier, k.EndpointClass, k.WindowStart.Unix())
}

// CounterReading is the post-increment state of a window.
type CounterReading struct {
	Count int64
	// TTL is how long the window stays live; zero when unknown.
	TTL time.Duration
}

// RateLimitWindow is one persisted counting window in the durable ledger.
type RateLimitWindow struct {
	Identifier    string    `json:"identifier"`
	EndpointClass string    `json:"endpoint_class"`
	WindowStart   time.Time `json:"window_start"`
	Count         int64     `json:"count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Decision is the engine's answer for one request.
type Decision struct {
	Allowed           bool      `json:"allowed"`
	Limit             int64     `json:"limit"`
	Remaining         int64     `json:"remaining"`
	RetryAfterSeconds int64     `json:"retry_after_seconds"`
	LimitingScope     Scope     `json:"limiting_scope,omitempty"`
	ResetAt           time.Time `json:"reset_at,omitempty"`
	// Degraded is set when the fast store could not serve the decision.
	Degraded bool `json:"degraded"`
}

// Unconstrained is returned when no policy applies to the request. Limit stays zero.
func Unconstrained() Decision {
	return Decision{Allowed: true}
}

// RetryAfterSeconds converts a wait into whole seconds, rounding up.
func RetryAfterSeconds(wait time.Duration) int64 {
	if wait <= 0 {
		return 0
	}
	return int64(math.Ceil(wait.Seconds()))
}
