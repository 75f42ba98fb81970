package crossagent

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentwallet/internal/auth"
	"github.com/mbd888/agentwallet/internal/logging"
	"github.com/mbd888/agentwallet/internal/money"
)

// AgentResolver maps agents to owners for scope checks.
type AgentResolver interface {
	OwnerOfAgent(ctx context.Context, agentID string) (string, error)
}

// EscalationObserver is notified when an authorization escalates to a
// human. Satisfied by the webhook emitter.
type EscalationObserver interface {
	EmitCrossEscalated(sourceAgentID, targetAgentID, txID, amount string)
}

// Handler provides HTTP handlers for agent-to-agent payment policies
// and authorizations.
type Handler struct {
	authorizer *Authorizer
	agents     AgentResolver
	observer   EscalationObserver
}

// NewHandler creates a cross-agent handler. observer may be nil.
func NewHandler(authorizer *Authorizer, agents AgentResolver, observer EscalationObserver) *Handler {
	return &Handler{authorizer: authorizer, agents: agents, observer: observer}
}

// RegisterRoutes sets up the cross-agent routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/crossagent/policies", h.CreatePolicy)
	r.GET("/crossagent/policies/:policyId", h.GetPolicy)
	r.PUT("/crossagent/policies/:policyId", h.UpdatePolicy)
	r.DELETE("/crossagent/policies/:policyId", h.DeletePolicy)
	r.GET("/agents/:agentId/crossagent/policies", h.ListPolicies)
	r.POST("/agents/:agentId/crossagent/pay", h.Authorize)
	r.GET("/agents/:agentId/crossagent/transactions", h.ListTransactions)
	r.GET("/crossagent/transactions/:txId", h.GetTransaction)
	r.POST("/crossagent/transactions/:txId/approve", h.Approve)
}

// CreatePolicy handles POST /crossagent/policies. Owner only; the
// source agent must belong to the caller.
func (h *Handler) CreatePolicy(c *gin.Context) {
	ctx := c.Request.Context()

	p, ok := auth.GetPrincipal(c)
	if !ok || p.Kind != auth.KindOwner {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential required",
		})
		return
	}

	var policy Policy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	policy.OwnerID = p.ID
	policy.Enabled = true

	if !h.requireOwnedAgent(c, p, policy.SourceAgentID) {
		return
	}

	if err := h.authorizer.CreatePolicy(ctx, &policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_policy",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, &policy)
}

// GetPolicy handles GET /crossagent/policies/:policyId.
func (h *Handler) GetPolicy(c *gin.Context) {
	policy, ok := h.loadOwnedPolicy(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, policy)
}

// UpdatePolicy handles PUT /crossagent/policies/:policyId. Owner only.
func (h *Handler) UpdatePolicy(c *gin.Context) {
	ctx := c.Request.Context()

	policy, ok := h.loadOwnedPolicy(c)
	if !ok {
		return
	}

	var updated Policy
	if err := c.ShouldBindJSON(&updated); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	// Identity fields are immutable.
	updated.ID = policy.ID
	updated.OwnerID = policy.OwnerID
	updated.SourceAgentID = policy.SourceAgentID
	if updated.SettlementMode == "" {
		updated.SettlementMode = policy.SettlementMode
	}

	if err := h.authorizer.UpdatePolicy(ctx, &updated); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_policy",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, &updated)
}

// DeletePolicy handles DELETE /crossagent/policies/:policyId. Owner
// only.
func (h *Handler) DeletePolicy(c *gin.Context) {
	ctx := c.Request.Context()

	policy, ok := h.loadOwnedPolicy(c)
	if !ok {
		return
	}
	if err := h.authorizer.DeletePolicy(ctx, policy.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete policy",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// ListPolicies handles GET /agents/:agentId/crossagent/policies.
func (h *Handler) ListPolicies(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if !h.canAct(c, agentID) {
		return
	}

	policies, err := h.authorizer.ListPolicies(ctx, agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list policies",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"policies": policies,
		"count":    len(policies),
	})
}

// AuthorizeRequest is the payload for an agent-to-agent payment.
type AuthorizeRequest struct {
	TargetAgentID string `json:"targetAgentId" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	PaymentType   string `json:"paymentType,omitempty"`
}

// Authorize handles POST /agents/:agentId/crossagent/pay. A denial or
// escalation is a 200 with the persisted record: the request was
// processed, the payment just was not authorized.
func (h *Handler) Authorize(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	sourceID := c.Param("agentId")

	if !h.canAct(c, sourceID) {
		return
	}

	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal",
		})
		return
	}
	if _, err := h.agents.OwnerOfAgent(ctx, req.TargetAgentID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Target agent not found",
		})
		return
	}

	tx, err := h.authorizer.Authorize(ctx, sourceID, req.TargetAgentID, amount, req.PaymentType)
	if err != nil {
		logger.Error("cross-agent authorization failed", "error", err, "source", sourceID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Authorization failed",
		})
		return
	}

	if tx.RequiresHuman && h.observer != nil {
		h.observer.EmitCrossEscalated(sourceID, req.TargetAgentID, tx.ID, money.Format(amount))
	}
	if tx.Authorized {
		c.JSON(http.StatusCreated, tx)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// ListTransactions handles GET /agents/:agentId/crossagent/transactions.
func (h *Handler) ListTransactions(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if !h.canAct(c, agentID) {
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
			limit = 50
		}
	}

	txs, err := h.authorizer.ListTransactions(ctx, agentID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// GetTransaction handles GET /crossagent/transactions/:txId.
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, ok := h.loadScopedTransaction(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, tx)
}

// Approve handles POST /crossagent/transactions/:txId/approve. Owner of
// the source agent only.
func (h *Handler) Approve(c *gin.Context) {
	ctx := c.Request.Context()

	tx, ok := h.loadScopedTransaction(c)
	if !ok {
		return
	}
	p, _ := auth.GetPrincipal(c)
	if p == nil || p.Kind != auth.KindOwner {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential required",
		})
		return
	}

	approved, err := h.authorizer.Approve(ctx, tx.ID, p.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlreadyAuthorized):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_authorized",
				"message": "Transaction is already authorized",
			})
		case errors.Is(err, ErrNotEscalated):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_escalated",
				"message": "Transaction is not awaiting human approval",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Approval failed",
			})
		}
		return
	}
	c.JSON(http.StatusOK, approved)
}

func (h *Handler) loadOwnedPolicy(c *gin.Context) (*Policy, bool) {
	ctx := c.Request.Context()

	p, ok := auth.GetPrincipal(c)
	if !ok || p.Kind != auth.KindOwner {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential required",
		})
		return nil, false
	}
	policy, err := h.authorizer.GetPolicy(ctx, c.Param("policyId"))
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Policy not found",
			})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get policy",
		})
		return nil, false
	}
	if policy.OwnerID != p.ID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this policy",
		})
		return nil, false
	}
	return policy, true
}

func (h *Handler) loadScopedTransaction(c *gin.Context) (*Transaction, bool) {
	ctx := c.Request.Context()

	tx, err := h.authorizer.GetTransaction(ctx, c.Param("txId"))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get transaction",
		})
		return nil, false
	}
	if !h.canAct(c, tx.SourceAgentID) {
		return nil, false
	}
	return tx, true
}

func (h *Handler) canAct(c *gin.Context, agentID string) bool {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required",
		})
		return false
	}
	ownerID, err := h.agents.OwnerOfAgent(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Agent not found",
		})
		return false
	}
	if !auth.CanActOnAgent(p, agentID, ownerID) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this agent",
		})
		return false
	}
	return true
}

func (h *Handler) requireOwnedAgent(c *gin.Context, p *auth.Principal, agentID string) bool {
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_policy",
			"message": "sourceAgentId is required",
		})
		return false
	}
	ownerID, err := h.agents.OwnerOfAgent(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Source agent not found",
		})
		return false
	}
	if ownerID != p.ID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Source agent does not belong to you",
		})
		return false
	}
	return true
}
