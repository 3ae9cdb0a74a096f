package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arklim/tenant-ratelimit/internal/core/domain"
	"github.com/arklim/tenant-ratelimit/internal/infra/policyfile"
	"github.com/arklim/tenant-ratelimit/internal/usecase"
)

// PolicyAdmin exposes the active policy snapshot and reloads it.
type PolicyAdmin interface {
	Snapshot() *domain.PolicySet
	Reload(ctx context.Context) (*domain.PolicySet, error)
}

// LedgerReader lists persisted windows and audited denials.
type LedgerReader interface {
	ListWindows(ctx context.Context, identifier string, since time.Time, limit uint64) ([]domain.RateLimitWindow, error)
	ListDenials(ctx context.Context, identifier string, limit uint64) ([]domain.RateLimitDeniedEvent, error)
}

// AdminHandler exposes operator endpoints for policies and compliance reads.
type AdminHandler struct {
	policies PolicyAdmin
	ledger   LedgerReader
}

// NewAdminHandler constructs a new handler instance.
func NewAdminHandler(policies PolicyAdmin, ledger LedgerReader) *AdminHandler {
	return &AdminHandler{policies: policies, ledger: ledger}
}

// RegisterRoutes wires the admin endpoints onto the group.
func (h *AdminHandler) RegisterRoutes(group *gin.RouterGroup) {
	group.GET("/policies", h.ListPolicies)
	group.POST("/policies/reload", h.ReloadPolicies)
	group.GET("/windows", h.ListWindows)
	group.GET("/denials", h.ListDenials)
}

// ListPolicies handles GET /admin/policies. With ?format=yaml the snapshot is rendered
// in the policy file layout.
func (h *AdminHandler) ListPolicies(c *gin.Context) {
	if h.policies == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(c, "policy service unavailable"))
		return
	}

	set := h.policies.Snapshot()
	if strings.EqualFold(c.Query("format"), "yaml") {
		c.YAML(http.StatusOK, policyfile.FromRules(set.Rules()))
		return
	}
	c.JSON(http.StatusOK, newPoliciesResponse(set))
}

// ReloadPolicies handles POST /admin/policies/reload.
func (h *AdminHandler) ReloadPolicies(c *gin.Context) {
	if h.policies == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(c, "policy service unavailable"))
		return
	}

	set, err := h.policies.Reload(c.Request.Context())
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrPolicySourceMissing, Status: http.StatusConflict, Message: "no policy file configured"},
			{Err: domain.ErrInvalidPolicy, Status: http.StatusUnprocessableEntity, ExposeError: true},
		}, http.StatusInternalServerError, "failed to reload policies")
		return
	}

	c.JSON(http.StatusOK, newPoliciesResponse(set))
}

// ListWindows handles GET /admin/windows?identifier=&since=&limit=.
func (h *AdminHandler) ListWindows(c *gin.Context) {
	if h.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(c, "ledger unavailable"))
		return
	}

	identifier := strings.TrimSpace(c.Query("identifier"))
	if identifier == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "identifier is required"))
		return
	}

	var since time.Time
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse(c, "since must be an RFC3339 timestamp"))
			return
		}
		since = parsed.UTC()
	}

	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	windows, err := h.ledger.ListWindows(c.Request.Context(), identifier, since, limit)
	if err != nil {
		RespondWithMappedError(c, err, []ErrorCase{
			{Err: usecase.ErrIdentifierRequired, Status: http.StatusBadRequest, Message: "identifier is required"},
		}, http.StatusInternalServerError, "failed to list windows")
		return
	}

	if windows == nil {
		windows = []domain.RateLimitWindow{}
	}
	c.JSON(http.StatusOK, WindowsResponse{Identifier: identifier, Since: since, Windows: windows})
}

// ListDenials handles GET /admin/denials?identifier=&limit=.
func (h *AdminHandler) ListDenials(c *gin.Context) {
	if h.ledger == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(c, "ledger unavailable"))
		return
	}

	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	events, err := h.ledger.ListDenials(c.Request.Context(), strings.TrimSpace(c.Query("identifier")), limit)
	if err != nil {
		RespondWithMappedError(c, err, nil, http.StatusInternalServerError, "failed to list denials")
		return
	}

	c.JSON(http.StatusOK, newDenialsResponse(events))
}

func parseLimit(c *gin.Context) (uint64, bool) {
	raw := strings.TrimSpace(c.Query("limit"))
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse(c, "limit must be a positive integer"))
		return 0, false
	}
	return limit, true
}
