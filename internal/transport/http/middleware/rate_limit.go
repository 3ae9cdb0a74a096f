package middleware

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
)

const (
	rateLimitProblemType  = "https://ratelimit.movecrm.example.com/errors/rate-limit-exceeded"
	rateLimitProblemTitle = "Rate Limit Exceeded"

	// DecisionKey holds the domain.Decision of the request once evaluated.
	DecisionKey = "ratelimit_decision"
)

// Request headers consulted when building identifiers.
const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderRealIP       = "X-Real-IP"
	HeaderTenantID     = "X-Tenant-ID"
	HeaderTenantSlug   = "X-Tenant-Slug"
	HeaderTenantTier   = "X-Tenant-Tier"
)

// DecisionEngine is the decision capability the middleware needs.
type DecisionEngine interface {
	CheckAndIncrement(ctx context.Context, ids domain.Identifiers, endpointClass string) (domain.Decision, error)
}

// ClassifierFunc maps a request to its endpoint class.
type ClassifierFunc func(*gin.Context) string

// IdentifiersFunc extracts the identifiers a request is counted under.
type IdentifiersFunc func(*gin.Context) domain.Identifiers

// RateLimiter adapts the decision engine to gin.
type RateLimiter struct {
	engine   DecisionEngine
	identify IdentifiersFunc
	logger   *zap.Logger
}

// ProblemDetails represents an RFC 9457 compatible error payload for rate limits.
type ProblemDetails struct {
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Status     int            `json:"status"`
	Detail     string         `json:"detail"`
	Instance   string         `json:"instance"`
	RetryAfter int64          `json:"retry_after"`
	TraceID    string         `json:"trace_id,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// NewRateLimiter builds a reusable rate limiter middleware helper.
func NewRateLimiter(engine DecisionEngine, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RateLimiter{
		engine:   engine,
		identify: RequestIdentifiers,
		logger:   logger,
	}
}

// WithIdentifiers replaces the identifier extraction.
func (rl *RateLimiter) WithIdentifiers(fn IdentifiersFunc) *RateLimiter {
	if fn != nil {
		rl.identify = fn
	}
	return rl
}

// FixedClass classifies every request as class.
func FixedClass(class string) ClassifierFunc {
	return func(*gin.Context) string { return class }
}

// RouteClassifier classifies by the matched route pattern, e.g. "POST /api/v1/quotes".
// Routes missing from the table get fallback.
func RouteClassifier(table map[string]string, fallback string) ClassifierFunc {
	routes := make(map[string]string, len(table))
	for route, class := range table {
		routes[strings.TrimSpace(route)] = class
	}
	return func(c *gin.Context) string {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if class, ok := routes[c.Request.Method+" "+path]; ok {
			return class
		}
		if class, ok := routes[path]; ok {
			return class
		}
		return fallback
	}
}

// RateLimit returns a Gin middleware that counts the request and rejects it once over limit.
func (rl *RateLimiter) RateLimit(classify ClassifierFunc) gin.HandlerFunc {
	if classify == nil {
		classify = FixedClass(domain.EndpointClassDefault)
	}

	return func(c *gin.Context) {
		if rl.engine == nil {
			c.Next()
			return
		}

		class := classify(c)
		decision, err := rl.engine.CheckAndIncrement(c.Request.Context(), rl.identify(c), class)
		if err != nil {
			log := rl.logger.Error
			if errors.Is(err, context.Canceled) {
				log = rl.logger.Debug
			}
			log("rate limit check failed",
				zap.String("endpoint_class", class),
				zap.String("path", c.Request.URL.Path),
				zap.Error(err),
			)
			status := http.StatusInternalServerError
			if !errors.Is(err, domain.ErrInvalidIdentifier) {
				status = http.StatusServiceUnavailable
			}
			_ = c.Error(err)
			c.AbortWithStatusJSON(status, newErrorResponse(c, "rate limit check failed"))
			return
		}

		c.Set(DecisionKey, decision)
		applyHeaders(c, decision)

		if !decision.Allowed {
			respondRateLimited(c, decision)
			return
		}

		c.Next()
	}
}

// RequestIdentifiers reads the client IP, tenant and user of the request.
func RequestIdentifiers(c *gin.Context) domain.Identifiers {
	return domain.Identifiers{
		IP:         ClientIP(c),
		TenantID:   tenantID(c),
		TenantTier: tenantTier(c),
		UserID:     contextString(c, UserIDKey),
	}
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the socket address.
func ClientIP(c *gin.Context) string {
	if forwarded := c.GetHeader(HeaderForwardedFor); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(c.GetHeader(HeaderRealIP)); ip != "" {
		return ip
	}
	if c.Request == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(c.Request.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(c.Request.RemoteAddr)
	}
	return host
}

func tenantID(c *gin.Context) string {
	if id := contextString(c, TenantIDKey); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader(HeaderTenantID)); id != "" {
		return id
	}
	if slug := strings.TrimSpace(c.GetHeader(HeaderTenantSlug)); slug != "" {
		return "slug:" + slug
	}
	return ""
}

func tenantTier(c *gin.Context) string {
	if tier := contextString(c, TenantTierKey); tier != "" {
		return tier
	}
	return strings.TrimSpace(c.GetHeader(HeaderTenantTier))
}

func contextString(c *gin.Context, key string) string {
	if value, ok := c.Get(key); ok {
		if s, ok := value.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func applyHeaders(c *gin.Context, decision domain.Decision) {
	if decision.Limit <= 0 {
		return
	}

	headers := c.Writer.Header()
	headers.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	headers.Set("X-RateLimit-Remaining", strconv.FormatInt(max(decision.Remaining, 0), 10))
	if !decision.ResetAt.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
	}
}

func respondRateLimited(c *gin.Context, decision domain.Decision) {
	retrySeconds := max(decision.RetryAfterSeconds, 0)
	c.Header("Retry-After", strconv.FormatInt(retrySeconds, 10))

	instance := c.FullPath()
	if instance == "" {
		instance = c.Request.URL.Path
	}

	problem := ProblemDetails{
		Type:       rateLimitProblemType,
		Title:      rateLimitProblemTitle,
		Status:     http.StatusTooManyRequests,
		Detail:     fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", retrySeconds),
		Instance:   instance,
		RetryAfter: retrySeconds,
		TraceID:    GetTraceID(c),
	}

	c.AbortWithStatusJSON(http.StatusTooManyRequests, problem)
}
