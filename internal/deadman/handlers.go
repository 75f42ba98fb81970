package deadman

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentwallet/internal/auth"
)

// AgentResolver maps agents to owners for scope checks.
type AgentResolver interface {
	OwnerOfAgent(ctx context.Context, agentID string) (string, error)
}

// Handler provides HTTP handlers for heartbeats and dead-man
// configuration.
type Handler struct {
	monitor *Monitor
	agents  AgentResolver
}

// NewHandler creates a dead-man handler.
func NewHandler(monitor *Monitor, agents AgentResolver) *Handler {
	return &Handler{monitor: monitor, agents: agents}
}

// RegisterRoutes sets up the dead-man routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents/:agentId/heartbeat", h.Heartbeat)
	r.GET("/agents/:agentId/deadman", h.GetConfig)
	r.PUT("/agents/:agentId/deadman", h.SetConfig)
	r.GET("/agents/:agentId/deadman/events", h.Events)
	r.POST("/agents/:agentId/deadman/trigger", h.ManualTrigger)
	r.POST("/agents/:agentId/deadman/recover", h.Recover)
}

// Heartbeat handles POST /agents/:agentId/heartbeat. The response tells
// the agent when its next beat is due; active=false is a cease
// directive for frozen agents awaiting human recovery.
func (h *Handler) Heartbeat(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if !h.canAct(c, agentID) {
		return
	}

	next, active, err := h.monitor.Heartbeat(ctx, agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Heartbeat failed",
		})
		return
	}
	if !active {
		c.JSON(http.StatusOK, gin.H{
			"active":  false,
			"message": "Agent is frozen pending human recovery. Cease activity.",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active":       true,
		"nextDeadline": next.Format(time.RFC3339),
	})
}

// GetConfig handles GET /agents/:agentId/deadman.
func (h *Handler) GetConfig(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if !h.canAct(c, agentID) {
		return
	}

	cfg, err := h.monitor.GetConfig(ctx, agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load configuration",
		})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// SetConfig handles PUT /agents/:agentId/deadman. Owner only.
func (h *Handler) SetConfig(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if !h.requireOwner(c, agentID) {
		return
	}

	var cfg Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	cfg.AgentID = agentID

	if err := h.monitor.SetConfig(ctx, &cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_config",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, &cfg)
}

// Events handles GET /agents/:agentId/deadman/events.
func (h *Handler) Events(c *gin.Context) {
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

	events, err := h.monitor.Events(ctx, agentID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list events",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// TriggerRequest is the payload for a manual trigger.
type TriggerRequest struct {
	Reason string `json:"reason,omitempty"`
}

// ManualTrigger handles POST /agents/:agentId/deadman/trigger. Owner
// only.
func (h *Handler) ManualTrigger(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if !h.requireOwner(c, agentID) {
		return
	}

	var req TriggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	action, err := h.monitor.ManualTrigger(ctx, agentID, req.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Trigger failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agentId": agentID,
		"action":  action,
	})
}

// Recover handles POST /agents/:agentId/deadman/recover. Owner only:
// this is the human side of recoveryRequiresHuman.
func (h *Handler) Recover(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	p, ok := auth.GetPrincipal(c)
	if !ok || p.Kind != auth.KindOwner {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential required",
		})
		return
	}
	if !h.requireOwner(c, agentID) {
		return
	}

	if err := h.monitor.Recover(ctx, agentID, p.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Recovery failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agentId": agentID,
		"frozen":  false,
	})
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

func (h *Handler) requireOwner(c *gin.Context, agentID string) bool {
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
	if p.Kind != auth.KindOwner || p.ID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential for this agent required",
		})
		return false
	}
	return true
}
