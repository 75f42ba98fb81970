package webhooks

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentwallet/internal/auth"
	"github.com/mbd888/agentwallet/internal/idgen"
	"github.com/mbd888/agentwallet/internal/security"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/owners/:ownerId/webhooks", h.Create)
	r.GET("/owners/:ownerId/webhooks", h.List)
	r.DELETE("/owners/:ownerId/webhooks/:webhookId", h.Delete)
}

// CreateWebhookRequest is the payload for a new subscription.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

var knownEvents = map[EventType]bool{
	EventTxCompleted:        true,
	EventTxRejected:         true,
	EventTxAwaitingApproval: true,
	EventTxKillSwitched:     true,
	EventKillSwitchTripped:  true,
	EventKillSwitchReset:    true,
	EventDeadmanTriggered:   true,
	EventDeadmanRecovered:   true,
	EventAgentSpawned:       true,
	EventAgentTerminated:    true,
	EventWalletDeposit:      true,
	EventCrossEscalated:     true,
}

// Create handles POST /owners/:ownerId/webhooks. The signing secret is
// returned once and never again.
func (h *Handler) Create(c *gin.Context) {
	ownerID := c.Param("ownerId")
	if !requireOwner(c, ownerID) {
		return
	}

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, e := range req.Events {
		et := EventType(e)
		if !knownEvents[et] {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "unknown_event",
				"message": "Unknown event type: " + e,
			})
			return
		}
		events = append(events, et)
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		OwnerID:   ownerID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret,
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-AgentWallet-Signature",
		},
		"notice": "Store this secret securely. It will not be shown again.",
	})
}

// List handles GET /owners/:ownerId/webhooks. Secrets are never
// included (the Subscription JSON tag hides them).
func (h *Handler) List(c *gin.Context) {
	ownerID := c.Param("ownerId")
	if !requireOwner(c, ownerID) {
		return
	}

	subs, err := h.store.GetByOwner(c.Request.Context(), ownerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list webhooks",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"webhooks": subs,
		"count":    len(subs),
	})
}

// Delete handles DELETE /owners/:ownerId/webhooks/:webhookId.
func (h *Handler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	ownerID := c.Param("ownerId")
	if !requireOwner(c, ownerID) {
		return
	}

	sub, err := h.store.Get(ctx, c.Param("webhookId"))
	if err != nil || sub.OwnerID != ownerID {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return
	}
	if err := h.store.Delete(ctx, sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete webhook",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

func requireOwner(c *gin.Context, ownerID string) bool {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required",
		})
		return false
	}
	if p.Kind != auth.KindOwner || p.ID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential required",
		})
		return false
	}
	return true
}
