package domain

import "time"

// RateLimitDeniedEventType is the event type used for denial audit records.
const RateLimitDeniedEventType = "ratelimit.denied"

// RateLimitDeniedEvent represents the payload for ratelimit.denied audit records.
type RateLimitDeniedEvent struct {
	EventID           string
	Identifier        string
	EndpointClass     string
	Scope             Scope
	OccurredAt        time.Time
	Limit             int64
	Count             int64
	RetryAfterSeconds int64
	// Store names the counter store that produced the count, or the failure mode when neither store answered.
	Store    string
	TraceID  string
	Metadata map[string]any
}
