package rules

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentwallet/internal/auth"
	"github.com/mbd888/agentwallet/internal/ledger"
)

// WalletReader resolves wallets for scope checks. ledger.Store
// satisfies it.
type WalletReader interface {
	GetWallet(ctx context.Context, id string) (*ledger.Wallet, error)
}

// AgentResolver maps agents to owners for scope checks.
type AgentResolver interface {
	OwnerOfAgent(ctx context.Context, agentID string) (string, error)
}

// Handler provides HTTP handlers for spend rule management.
type Handler struct {
	svc     *Service
	wallets WalletReader
	agents  AgentResolver
}

// NewHandler creates a rules handler.
func NewHandler(svc *Service, wallets WalletReader, agents AgentResolver) *Handler {
	return &Handler{svc: svc, wallets: wallets, agents: agents}
}

// RegisterRoutes sets up the rule routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:walletId/rules", h.Create)
	r.GET("/wallets/:walletId/rules", h.List)
	r.GET("/rules/:ruleId", h.Get)
	r.PUT("/rules/:ruleId", h.Update)
	r.DELETE("/rules/:ruleId", h.Delete)
}

// CreateRuleRequest is the payload for creating a rule.
type CreateRuleRequest struct {
	Kind     string          `json:"kind" binding:"required"`
	Params   json.RawMessage `json:"params" binding:"required"`
	Priority int             `json:"priority,omitempty"`
}

// Create handles POST /wallets/:walletId/rules. Owner only: agents
// cannot loosen their own constraints.
func (h *Handler) Create(c *gin.Context) {
	ctx := c.Request.Context()
	walletID := c.Param("walletId")

	if !h.requireWalletOwner(c, walletID) {
		return
	}

	var req CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rule, err := h.svc.Create(ctx, walletID, req.Kind, req.Params, req.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_rule",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, rule)
}

// List handles GET /wallets/:walletId/rules.
func (h *Handler) List(c *gin.Context) {
	ctx := c.Request.Context()
	walletID := c.Param("walletId")

	if !h.canReadWallet(c, walletID) {
		return
	}

	activeOnly := c.Query("active") == "true"
	rules, err := h.svc.List(ctx, walletID, activeOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list rules",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rules": rules,
		"count": len(rules),
	})
}

// Get handles GET /rules/:ruleId.
func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	rule, err := h.svc.Get(ctx, c.Param("ruleId"))
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Rule not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get rule",
		})
		return
	}
	if !h.canReadWallet(c, rule.WalletID) {
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRuleRequest is the payload for mutating a rule.
type UpdateRuleRequest struct {
	Params   json.RawMessage `json:"params,omitempty"`
	Active   *bool           `json:"active,omitempty"`
	Priority *int            `json:"priority,omitempty"`
}

// Update handles PUT /rules/:ruleId. Owner only.
func (h *Handler) Update(c *gin.Context) {
	ctx := c.Request.Context()

	rule, err := h.svc.Get(ctx, c.Param("ruleId"))
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Rule not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get rule",
		})
		return
	}
	if !h.requireWalletOwner(c, rule.WalletID) {
		return
	}

	var req UpdateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if req.Params != nil {
		rule.Params = req.Params
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if req.Priority != nil {
		rule.Priority = *req.Priority
	}

	if err := h.svc.Update(ctx, rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_rule",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, rule)
}

// Delete handles DELETE /rules/:ruleId. Owner only.
func (h *Handler) Delete(c *gin.Context) {
	ctx := c.Request.Context()

	rule, err := h.svc.Get(ctx, c.Param("ruleId"))
	if err != nil {
		if errors.Is(err, ErrRuleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Rule not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get rule",
		})
		return
	}
	if !h.requireWalletOwner(c, rule.WalletID) {
		return
	}

	if err := h.svc.Delete(ctx, rule.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete rule",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// requireWalletOwner checks the caller is the owner of the wallet's
// agent. Writes the error response itself.
func (h *Handler) requireWalletOwner(c *gin.Context, walletID string) bool {
	p, ownerID, ok := h.resolve(c, walletID)
	if !ok {
		return false
	}
	if p.Kind != auth.KindOwner || p.ID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential for this wallet required",
		})
		return false
	}
	return true
}

// canReadWallet allows the owning owner or the wallet's own agent.
func (h *Handler) canReadWallet(c *gin.Context, walletID string) bool {
	p, ownerID, ok := h.resolve(c, walletID)
	if !ok {
		return false
	}
	w, err := h.wallets.GetWallet(c.Request.Context(), walletID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Wallet not found",
		})
		return false
	}
	if !auth.CanActOnAgent(p, w.AgentID, ownerID) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this wallet",
		})
		return false
	}
	return true
}

func (h *Handler) resolve(c *gin.Context, walletID string) (*auth.Principal, string, bool) {
	ctx := c.Request.Context()

	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required",
		})
		return nil, "", false
	}
	w, err := h.wallets.GetWallet(ctx, walletID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Wallet not found",
		})
		return nil, "", false
	}
	ownerID, err := h.agents.OwnerOfAgent(ctx, w.AgentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Agent not found",
		})
		return nil, "", false
	}
	return p, ownerID, true
}
