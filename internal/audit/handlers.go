package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentwallet/internal/auth"
	"github.com/mbd888/agentwallet/internal/logging"
)

// AgentResolver maps agents to owners for scope checks.
type AgentResolver interface {
	OwnerOfAgent(ctx context.Context, agentID string) (string, error)
}

// Handler provides read access to the audit trail.
type Handler struct {
	rec    *Recorder
	agents AgentResolver
}

// NewHandler creates an audit handler.
func NewHandler(rec *Recorder, agents AgentResolver) *Handler {
	return &Handler{rec: rec, agents: agents}
}

// RegisterRoutes sets up the audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:agentId/audit", h.List)
	r.GET("/agents/:agentId/audit/summary", h.Summary)
	r.GET("/agents/:agentId/audit/export", h.Export)
}

// List handles GET /agents/:agentId/audit with optional action,
// decision, from, to (RFC3339) and limit filters.
func (h *Handler) List(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if !h.canRead(c, agentID) {
		return
	}

	q, ok := h.parseQuery(c, agentID)
	if !ok {
		return
	}

	entries, err := h.rec.List(ctx, q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list audit entries",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// Summary handles GET /agents/:agentId/audit/summary.
func (h *Handler) Summary(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if !h.canRead(c, agentID) {
		return
	}

	from, to, ok := h.parseRange(c)
	if !ok {
		return
	}

	summary, err := h.rec.Summarize(ctx, agentID, from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to summarize audit entries",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Export handles GET /agents/:agentId/audit/export, streaming the
// matching entries as CSV.
func (h *Handler) Export(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	agentID := c.Param("agentId")

	if !h.canRead(c, agentID) {
		return
	}

	q, ok := h.parseQuery(c, agentID)
	if !ok {
		return
	}
	if q.Limit == 0 {
		q.Limit = 10000
	}

	entries, err := h.rec.List(ctx, q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to export audit entries",
		})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", "audit_"+agentID+".csv"))

	w := csv.NewWriter(c.Writer)
	_ = w.Write([]string{"id", "agentId", "action", "resource", "resourceId", "decision", "reasoning", "createdAt"})
	for _, e := range entries {
		if err := w.Write([]string{
			e.ID, e.AgentID, e.Action, e.Resource, e.ResourceID,
			string(e.Decision), e.Reasoning, e.CreatedAt.Format(time.RFC3339),
		}); err != nil {
			logger.Error("audit export write failed", "error", err)
			return
		}
	}
	w.Flush()
}

func (h *Handler) parseQuery(c *gin.Context, agentID string) (Query, bool) {
	q := Query{
		AgentID:  agentID,
		Action:   c.Query("action"),
		Decision: Decision(c.Query("decision")),
	}
	from, to, ok := h.parseRange(c)
	if !ok {
		return q, false
	}
	q.From, q.To = from, to

	if v := c.Query("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &q.Limit); err != nil || q.Limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a non-negative integer",
			})
			return q, false
		}
	}
	return q, true
}

func (h *Handler) parseRange(c *gin.Context) (from, to time.Time, ok bool) {
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_range",
				"message": "from must be RFC3339",
			})
			return from, to, false
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_range",
				"message": "to must be RFC3339",
			})
			return from, to, false
		}
	}
	return from, to, true
}

// canRead allows the agent's owner or the agent itself.
func (h *Handler) canRead(c *gin.Context, agentID string) bool {
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
