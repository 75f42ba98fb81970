package lineage

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentwallet/internal/auth"
	"github.com/mbd888/agentwallet/internal/logging"
	"github.com/mbd888/agentwallet/internal/metrics"
	"github.com/mbd888/agentwallet/internal/registry"
)

// AgentFactory creates child agents. registry.Service satisfies it.
type AgentFactory interface {
	RegisterAgent(ctx context.Context, ownerID, name string, metadata map[string]interface{}) (*registry.Agent, string, error)
}

// AgentResolver maps agents to owners for scope checks.
type AgentResolver interface {
	OwnerOfAgent(ctx context.Context, agentID string) (string, error)
}

// SpawnObserver is notified of spawn-tree changes. Satisfied by the
// webhook emitter.
type SpawnObserver interface {
	EmitAgentSpawned(parentID, childID string, depth int)
	EmitAgentTerminated(agentID, reason string, cascaded []string)
}

// Handler provides HTTP handlers for agent spawning and the lineage
// tree.
type Handler struct {
	gov      *Governor
	factory  AgentFactory
	agents   AgentResolver
	observer SpawnObserver
}

// NewHandler creates a lineage handler. observer may be nil.
func NewHandler(gov *Governor, factory AgentFactory, agents AgentResolver, observer SpawnObserver) *Handler {
	return &Handler{gov: gov, factory: factory, agents: agents, observer: observer}
}

// RegisterRoutes sets up the lineage routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents/:agentId/spawn", h.Spawn)
	r.GET("/agents/:agentId/lineage", h.Get)
	r.GET("/agents/:agentId/lineage/events", h.Events)
	r.GET("/agents/:agentId/lineage/descendants", h.Descendants)
	r.POST("/agents/:agentId/lineage/terminate", h.Terminate)
}

// SpawnRequest is the payload for spawning a child agent.
type SpawnRequest struct {
	Name      string                 `json:"name" binding:"required"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Overrides *Overrides             `json:"policyOverrides,omitempty"`
}

// Spawn handles POST /agents/:agentId/spawn. The parent agent may spawn
// for itself; its owner may spawn on its behalf. The child is created
// under the parent's owner with an inherited, never-looser policy.
func (h *Handler) Spawn(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	parentID := c.Param("agentId")

	ownerID, ok := h.canAct(c, parentID)
	if !ok {
		return
	}

	var req SpawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	child, apiKey, err := h.factory.RegisterAgent(ctx, ownerID, req.Name, req.Metadata)
	if err != nil {
		logger.Error("spawn agent create failed", "error", err, "parent", parentID)
		metrics.SpawnsTotal.WithLabelValues("error").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create child agent",
		})
		return
	}

	node, err := h.gov.Spawn(ctx, parentID, child.ID, req.Overrides)
	if err != nil {
		// The governor refused: retire the just-created agent so no
		// credentialed orphan survives the failed spawn.
		h.retireOrphan(ctx, child.ID)
		metrics.SpawnsTotal.WithLabelValues("denied").Inc()
		switch {
		case errors.Is(err, ErrDepthExceeded),
			errors.Is(err, ErrTooManyChildren),
			errors.Is(err, ErrSpawnForbidden),
			errors.Is(err, ErrTerminated),
			errors.Is(err, ErrParentNotActive):
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "spawn_denied",
				"message": err.Error(),
			})
		case errors.Is(err, registry.ErrAgentNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Parent agent not found",
			})
		default:
			logger.Error("spawn failed", "error", err, "parent", parentID)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Spawn failed",
			})
		}
		return
	}

	metrics.SpawnsTotal.WithLabelValues("authorized").Inc()
	if h.observer != nil {
		h.observer.EmitAgentSpawned(parentID, child.ID, node.Depth)
	}
	c.JSON(http.StatusCreated, gin.H{
		"agent":   child,
		"apiKey":  apiKey,
		"lineage": node,
		"notice":  "Store this key securely. It will not be shown again.",
	})
}

// retireOrphan terminates a child agent whose spawn was refused.
// Best-effort: the registry row stays terminated even if this fails.
func (h *Handler) retireOrphan(ctx context.Context, childID string) {
	type terminator interface {
		Terminate(ctx context.Context, agentID string) (*registry.Agent, error)
	}
	if t, ok := h.factory.(terminator); ok {
		if _, err := t.Terminate(ctx, childID); err != nil {
			logging.L(ctx).Error("orphan child termination failed", "agent", childID, "error", err)
		}
	}
}

// Get handles GET /agents/:agentId/lineage.
func (h *Handler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if _, ok := h.canAct(c, agentID); !ok {
		return
	}

	node, err := h.gov.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrLineageNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Agent has no lineage record",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get lineage",
		})
		return
	}
	c.JSON(http.StatusOK, node)
}

// Events handles GET /agents/:agentId/lineage/events.
func (h *Handler) Events(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if _, ok := h.canAct(c, agentID); !ok {
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
			limit = 50
		}
	}

	events, err := h.gov.Events(ctx, agentID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list spawn events",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// Descendants handles GET /agents/:agentId/lineage/descendants.
func (h *Handler) Descendants(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if _, ok := h.canAct(c, agentID); !ok {
		return
	}

	ids, err := h.gov.Descendants(ctx, agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to walk lineage",
		})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"descendants": ids,
		"count":       len(ids),
	})
}

// TerminateRequest is the payload for a cascading termination.
type TerminateRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Terminate handles POST /agents/:agentId/lineage/terminate. Owner
// only; always cascades, and termination is irreversible.
func (h *Handler) Terminate(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if !h.requireOwner(c, agentID) {
		return
	}

	var req TerminateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	terminated, err := h.gov.Terminate(ctx, agentID, true)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Termination failed",
		})
		return
	}

	if h.observer != nil {
		h.observer.EmitAgentTerminated(agentID, req.Reason, terminated[1:])
	}
	c.JSON(http.StatusOK, gin.H{
		"terminated": terminated,
		"count":      len(terminated),
	})
}

func (h *Handler) canAct(c *gin.Context, agentID string) (string, bool) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required",
		})
		return "", false
	}
	ownerID, err := h.agents.OwnerOfAgent(c.Request.Context(), agentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Agent not found",
		})
		return "", false
	}
	if !auth.CanActOnAgent(p, agentID, ownerID) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this agent",
		})
		return "", false
	}
	return ownerID, true
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
