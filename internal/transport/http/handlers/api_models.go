package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
)

// ErrorResponse represents a generic error payload with trace ID for debugging.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, errorMsg string) ErrorResponse {
	traceID, _ := c.Get("trace_id")
	traceIDStr, _ := traceID.(string)

	return ErrorResponse{
		Error:   errorMsg,
		TraceID: traceIDStr,
	}
}

// MessageResponse represents a simple message payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// HealthResponse describes the service health payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse describes readiness probe results with dependency checks.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// RateLimitCheckRequest asks for a decision on behalf of an out-of-process caller.
type RateLimitCheckRequest struct {
	IP            string `json:"ip" binding:"required"`
	TenantID      string `json:"tenant_id"`
	TenantTier    string `json:"tenant_tier"`
	UserID        string `json:"user_id"`
	EndpointClass string `json:"endpoint_class"`
}

// Identifiers converts the request into engine identifiers.
func (r RateLimitCheckRequest) Identifiers() domain.Identifiers {
	return domain.Identifiers{
		IP:         r.IP,
		TenantID:   r.TenantID,
		TenantTier: r.TenantTier,
		UserID:     r.UserID,
	}
}

// RateLimitCheckResponse is the decision returned by the check endpoint.
type RateLimitCheckResponse struct {
	Allowed           bool       `json:"allowed"`
	Limit             int64      `json:"limit,omitempty"`
	Remaining         int64      `json:"remaining"`
	RetryAfterSeconds int64      `json:"retry_after_seconds,omitempty"`
	ResetAt           *time.Time `json:"reset_at,omitempty"`
	Degraded          bool       `json:"degraded,omitempty"`
}

func newRateLimitCheckResponse(decision domain.Decision) RateLimitCheckResponse {
	resp := RateLimitCheckResponse{
		Allowed:           decision.Allowed,
		Limit:             decision.Limit,
		Remaining:         decision.Remaining,
		RetryAfterSeconds: decision.RetryAfterSeconds,
		Degraded:          decision.Degraded,
	}
	if !decision.ResetAt.IsZero() {
		reset := decision.ResetAt.UTC()
		resp.ResetAt = &reset
	}
	return resp
}

// PolicyRuleResponse is one active policy rule.
type PolicyRuleResponse struct {
	Tier          string `json:"tier,omitempty"`
	TenantID      string `json:"tenant_id,omitempty"`
	EndpointClass string `json:"endpoint_class"`
	Scope         string `json:"scope"`
	MaxRequests   int64  `json:"max_requests"`
	WindowSeconds int64  `json:"window_seconds"`
}

// PoliciesResponse describes the active policy snapshot.
type PoliciesResponse struct {
	Source   string               `json:"source"`
	LoadedAt time.Time            `json:"loaded_at"`
	Rules    []PolicyRuleResponse `json:"rules"`
}

func newPoliciesResponse(set *domain.PolicySet) PoliciesResponse {
	rules := set.Rules()
	resp := PoliciesResponse{
		Source:   set.Source(),
		LoadedAt: set.LoadedAt(),
		Rules:    make([]PolicyRuleResponse, 0, len(rules)),
	}
	for _, rule := range rules {
		resp.Rules = append(resp.Rules, PolicyRuleResponse{
			Tier:          rule.Tier,
			TenantID:      rule.TenantID,
			EndpointClass: rule.EndpointClass,
			Scope:         string(rule.Scope),
			MaxRequests:   rule.MaxRequests,
			WindowSeconds: int64(rule.Window / time.Second),
		})
	}
	return resp
}

// WindowsResponse lists persisted ledger windows.
type WindowsResponse struct {
	Identifier string                   `json:"identifier"`
	Since      time.Time                `json:"since"`
	Windows    []domain.RateLimitWindow `json:"windows"`
}

// DenialResponse is one audited denial.
type DenialResponse struct {
	EventID           string         `json:"event_id"`
	Identifier        string         `json:"identifier"`
	EndpointClass     string         `json:"endpoint_class"`
	Scope             string         `json:"scope"`
	Limit             int64          `json:"limit"`
	Count             int64          `json:"count"`
	RetryAfterSeconds int64          `json:"retry_after_seconds"`
	Store             string         `json:"store"`
	TraceID           string         `json:"trace_id,omitempty"`
	OccurredAt        time.Time      `json:"occurred_at"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// DenialsResponse lists audited denials, newest first.
type DenialsResponse struct {
	Denials []DenialResponse `json:"denials"`
}

func newDenialsResponse(events []domain.RateLimitDeniedEvent) DenialsResponse {
	resp := DenialsResponse{Denials: make([]DenialResponse, 0, len(events))}
	for _, event := range events {
		resp.Denials = append(resp.Denials, DenialResponse{
			EventID:           event.EventID,
			Identifier:        event.Identifier,
			EndpointClass:     event.EndpointClass,
			Scope:             string(event.Scope),
			Limit:             event.Limit,
			Count:             event.Count,
			RetryAfterSeconds: event.RetryAfterSeconds,
			Store:             event.Store,
			TraceID:           event.TraceID,
			OccurredAt:        event.OccurredAt,
			Metadata:          event.Metadata,
		})
	}
	return resp
}
