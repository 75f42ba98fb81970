package registry

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentwallet/internal/auth"
	"github.com/mbd888/agentwallet/internal/logging"
)

// Handler provides HTTP handlers for owner and agent registration and
// agent lifecycle management.
type Handler struct {
	svc *Service
}

// NewHandler creates a registry handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up the registry routes. Owner registration is the
// only unauthenticated call; everything else requires a credential and
// is checked against the caller's scope.
func (h *Handler) RegisterRoutes(public, authed *gin.RouterGroup) {
	public.POST("/owners", h.RegisterOwner)

	authed.GET("/owners/:ownerId", h.GetOwner)
	authed.POST("/owners/:ownerId/rotate-key", h.RotateOwnerKey)

	authed.POST("/agents", h.RegisterAgent)
	authed.GET("/agents", h.ListAgents)
	authed.GET("/agents/:agentId", h.GetAgent)
	authed.POST("/agents/:agentId/rotate-key", h.RotateAgentKey)
	authed.POST("/agents/:agentId/pause", h.statusHandler(AgentPaused))
	authed.POST("/agents/:agentId/activate", h.statusHandler(AgentActive))
	authed.POST("/agents/:agentId/suspend", h.statusHandler(AgentSuspended))
	authed.POST("/agents/:agentId/terminate", h.statusHandler(AgentTerminated))

	authed.POST("/groups", h.CreateGroup)
	authed.GET("/groups", h.ListGroups)
	authed.GET("/groups/:groupId", h.GetGroup)
	authed.PUT("/groups/:groupId", h.UpdateGroup)
	authed.DELETE("/groups/:groupId", h.DeleteGroup)
}

// RegisterOwnerRequest is the payload for creating an owner.
type RegisterOwnerRequest struct {
	Name       string `json:"name" binding:"required"`
	Email      string `json:"email,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// RegisterOwner handles POST /owners. The response carries the raw API
// key exactly once.
func (h *Handler) RegisterOwner(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req RegisterOwnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	owner, rawKey, err := h.svc.RegisterOwner(ctx, req.Name, req.Email, req.WebhookURL)
	if err != nil {
		logger.Error("failed to register owner", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register owner",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"owner":  owner,
		"apiKey": rawKey,
		"notice": "Store this key securely. It will not be shown again.",
	})
}

// GetOwner handles GET /owners/:ownerId.
func (h *Handler) GetOwner(c *gin.Context) {
	ctx := c.Request.Context()
	ownerID := c.Param("ownerId")

	p, _ := auth.GetPrincipal(c)
	if p == nil || p.Kind != auth.KindOwner || p.ID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential for this owner required",
		})
		return
	}

	owner, err := h.svc.Store().GetOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrOwnerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Owner not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get owner",
		})
		return
	}
	c.JSON(http.StatusOK, owner)
}

// RotateOwnerKey handles POST /owners/:ownerId/rotate-key.
func (h *Handler) RotateOwnerKey(c *gin.Context) {
	ctx := c.Request.Context()
	ownerID := c.Param("ownerId")

	p, _ := auth.GetPrincipal(c)
	if p == nil || p.Kind != auth.KindOwner || p.ID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential for this owner required",
		})
		return
	}

	rawKey, err := h.svc.RotateOwnerKey(ctx, ownerID)
	if err != nil {
		if errors.Is(err, ErrOwnerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Owner not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to rotate key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"apiKey": rawKey,
		"notice": "Store this key securely. The previous key is now invalid.",
	})
}

// RegisterAgentRequest is the payload for creating an agent.
type RegisterAgentRequest struct {
	Name     string                 `json:"name" binding:"required"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// RegisterAgent handles POST /agents. Requires an owner credential; the
// agent is created under the calling owner.
func (h *Handler) RegisterAgent(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	p, ok := requireOwnerPrincipal(c)
	if !ok {
		return
	}

	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	agent, rawKey, err := h.svc.RegisterAgent(ctx, p.ID, req.Name, req.Metadata)
	if err != nil {
		if errors.Is(err, ErrOwnerNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Owner not found",
			})
			return
		}
		logger.Error("failed to register agent", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to register agent",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"agent":  agent,
		"apiKey": rawKey,
		"notice": "Store this key securely. It will not be shown again.",
	})
}

// ListAgents handles GET /agents, scoped to the calling owner.
func (h *Handler) ListAgents(c *gin.Context) {
	ctx := c.Request.Context()

	p, ok := requireOwnerPrincipal(c)
	if !ok {
		return
	}

	agents, err := h.svc.Store().ListAgentsByOwner(ctx, p.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list agents",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

// GetAgent handles GET /agents/:agentId. Owners see their own agents;
// agents see themselves.
func (h *Handler) GetAgent(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	agent, err := h.svc.Store().GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get agent",
		})
		return
	}

	p, _ := auth.GetPrincipal(c)
	if p == nil || !auth.CanActOnAgent(p, agent.ID, agent.OwnerID) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this agent",
		})
		return
	}

	c.JSON(http.StatusOK, agent)
}

// RotateAgentKey handles POST /agents/:agentId/rotate-key. Owner only.
func (h *Handler) RotateAgentKey(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if !h.requireAgentOwnership(c, agentID) {
		return
	}

	rawKey, err := h.svc.RotateAgentKey(ctx, agentID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAgentNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
		case errors.Is(err, ErrTerminalStatus):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "terminal_status",
				"message": "Agent is in a terminal state",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to rotate key",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"apiKey": rawKey,
		"notice": "Store this key securely. The previous key is now invalid.",
	})
}

// statusHandler builds a lifecycle transition handler for one target
// status. Owner only.
func (h *Handler) statusHandler(to AgentStatus) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := logging.L(ctx)
		agentID := c.Param("agentId")

		if !h.requireAgentOwnership(c, agentID) {
			return
		}

		agent, err := h.svc.SetAgentStatus(ctx, agentID, to)
		if err != nil {
			switch {
			case errors.Is(err, ErrAgentNotFound):
				c.JSON(http.StatusNotFound, gin.H{
					"error":   "not_found",
					"message": "Agent not found",
				})
			case errors.Is(err, ErrTerminalStatus), errors.Is(err, ErrBadTransition):
				c.JSON(http.StatusConflict, gin.H{
					"error":   "invalid_transition",
					"message": err.Error(),
				})
			default:
				logger.Error("failed to change agent status", "error", err, "agent", agentID)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error":   "internal_error",
					"message": "Failed to change agent status",
				})
			}
			return
		}

		c.JSON(http.StatusOK, agent)
	}
}

// CreateGroupRequest is the payload for creating an agent group.
type CreateGroupRequest struct {
	Name     string   `json:"name" binding:"required"`
	AgentIDs []string `json:"agentIds"`
}

// CreateGroup handles POST /groups. Owner only.
func (h *Handler) CreateGroup(c *gin.Context) {
	ctx := c.Request.Context()

	p, ok := requireOwnerPrincipal(c)
	if !ok {
		return
	}

	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	group, err := h.svc.CreateGroup(ctx, p.ID, req.Name, req.AgentIDs)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown_agent",
				"message": "Group members must be your own agents",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create group",
		})
		return
	}

	c.JSON(http.StatusCreated, group)
}

// ListGroups handles GET /groups, scoped to the calling owner.
func (h *Handler) ListGroups(c *gin.Context) {
	ctx := c.Request.Context()

	p, ok := requireOwnerPrincipal(c)
	if !ok {
		return
	}

	groups, err := h.svc.Store().ListGroupsByOwner(ctx, p.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list groups",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"groups": groups,
		"count":  len(groups),
	})
}

// GetGroup handles GET /groups/:groupId.
func (h *Handler) GetGroup(c *gin.Context) {
	ctx := c.Request.Context()

	group, ok := h.loadOwnedGroup(c, ctx)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, group)
}

// UpdateGroupRequest is the payload for replacing group membership.
type UpdateGroupRequest struct {
	AgentIDs []string `json:"agentIds"`
}

// UpdateGroup handles PUT /groups/:groupId.
func (h *Handler) UpdateGroup(c *gin.Context) {
	ctx := c.Request.Context()

	group, ok := h.loadOwnedGroup(c, ctx)
	if !ok {
		return
	}

	var req UpdateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	updated, err := h.svc.UpdateGroupMembers(ctx, group.ID, req.AgentIDs)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown_agent",
				"message": "Group members must be your own agents",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update group",
		})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteGroup handles DELETE /groups/:groupId.
func (h *Handler) DeleteGroup(c *gin.Context) {
	ctx := c.Request.Context()

	group, ok := h.loadOwnedGroup(c, ctx)
	if !ok {
		return
	}

	if err := h.svc.Store().DeleteGroup(ctx, group.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete group",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// requireAgentOwnership loads the agent and checks the caller is its
// owner. Writes the error response itself.
func (h *Handler) requireAgentOwnership(c *gin.Context, agentID string) bool {
	ctx := c.Request.Context()

	p, ok := requireOwnerPrincipal(c)
	if !ok {
		return false
	}
	agent, err := h.svc.Store().GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent not found",
			})
			return false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get agent",
		})
		return false
	}
	if agent.OwnerID != p.ID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this agent",
		})
		return false
	}
	return true
}

// loadOwnedGroup loads the group from the path param and checks the
// caller owns it. Writes the error response itself.
func (h *Handler) loadOwnedGroup(c *gin.Context, ctx context.Context) (*Group, bool) {
	p, ok := requireOwnerPrincipal(c)
	if !ok {
		return nil, false
	}
	group, err := h.svc.Store().GetGroup(ctx, c.Param("groupId"))
	if err != nil {
		if errors.Is(err, ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Group not found",
			})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get group",
		})
		return nil, false
	}
	if group.OwnerID != p.ID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this group",
		})
		return nil, false
	}
	return group, true
}

func requireOwnerPrincipal(c *gin.Context) (*auth.Principal, bool) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required",
		})
		return nil, false
	}
	if p.Kind != auth.KindOwner {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential required",
		})
		return nil, false
	}
	return p, true
}
