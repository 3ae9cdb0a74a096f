package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
)

// DecisionEngine answers rate-limit checks.
type DecisionEngine interface {
	CheckAndIncrement(ctx context.Context, ids domain.Identifiers, endpointClass string) (domain.Decision, error)
}

// RateLimitHandler exposes the decision engine to callers outside the process.
type RateLimitHandler struct {
	engine DecisionEngine
}

// NewRateLimitHandler constructs a new handler instance.
func NewRateLimitHandler(engine DecisionEngine) *RateLimitHandler {
	return &RateLimitHandler{engine: engine}
}

// RegisterRoutes wires the check endpoint onto the group.
func (h *RateLimitHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/check", h.Check)
}

// Check handles POST /api/v1/ratelimit/check. The request is counted; a denial is
// reported with 200 and allowed=false so callers can shape their own response.
func (h *RateLimitHandler) Check(c *gin.Context) {
	if h.engine == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(c, "rate limit engine unavailable"))
		return
	}

	var req RateLimitCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "invalid request payload"))
		return
	}

	decision, err := h.engine.CheckAndIncrement(c.Request.Context(), req.Identifiers(), req.EndpointClass)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: domain.ErrInvalidIdentifier, Status: http.StatusBadRequest, Message: "ip is required"},
		}, http.StatusInternalServerError, "rate limit check failed")
		return
	}

	c.JSON(http.StatusOK, newRateLimitCheckResponse(decision))
}
