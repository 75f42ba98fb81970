package killswitch

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/agentwallet/internal/auth"
	"github.com/mbd888/agentwallet/internal/ledger"
	"github.com/mbd888/agentwallet/internal/logging"
)

// AgentResolver maps agents to owners for scope checks.
type AgentResolver interface {
	OwnerOfAgent(ctx context.Context, agentID string) (string, error)
}

// ResetObserver is notified when an operator resets a switch.
// Satisfied by the webhook emitter.
type ResetObserver interface {
	EmitKillSwitchReset(agentID, walletID, switchID, operator string)
}

// Handler provides HTTP handlers for kill switch management.
type Handler struct {
	svc      *Service
	wallets  HistoryReader
	agents   AgentResolver
	observer ResetObserver
}

// NewHandler creates a kill-switch handler. observer may be nil.
func NewHandler(svc *Service, wallets HistoryReader, agents AgentResolver, observer ResetObserver) *Handler {
	return &Handler{svc: svc, wallets: wallets, agents: agents, observer: observer}
}

// RegisterRoutes sets up the kill-switch routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:walletId/killswitches", h.Create)
	r.GET("/wallets/:walletId/killswitches", h.List)
	r.GET("/killswitches/:switchId", h.Get)
	r.DELETE("/killswitches/:switchId", h.Delete)
	r.POST("/killswitches/:switchId/reset", h.Reset)
}

// CreateSwitchRequest is the payload for arming a switch.
type CreateSwitchRequest struct {
	Kind        string `json:"kind" binding:"required"`
	Threshold   string `json:"threshold" binding:"required"`
	WindowHours int    `json:"windowHours,omitempty"`
}

// Create handles POST /wallets/:walletId/killswitches. Owner only.
func (h *Handler) Create(c *gin.Context) {
	ctx := c.Request.Context()
	walletID := c.Param("walletId")

	if _, ok := h.requireWalletOwner(c, walletID); !ok {
		return
	}

	var req CreateSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	threshold, err := decimal.NewFromString(req.Threshold)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_threshold",
			"message": "Threshold must be a decimal number",
		})
		return
	}

	sw, err := h.svc.Create(ctx, walletID, req.Kind, threshold, req.WindowHours)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_switch",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, sw)
}

// List handles GET /wallets/:walletId/killswitches.
func (h *Handler) List(c *gin.Context) {
	ctx := c.Request.Context()
	walletID := c.Param("walletId")

	if !h.canReadWallet(c, walletID) {
		return
	}

	switches, err := h.svc.List(ctx, walletID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list switches",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"killSwitches": switches,
		"count":        len(switches),
	})
}

// Get handles GET /killswitches/:switchId.
func (h *Handler) Get(c *gin.Context) {
	sw, ok := h.loadSwitch(c)
	if !ok {
		return
	}
	if !h.canReadWallet(c, sw.WalletID) {
		return
	}
	c.JSON(http.StatusOK, sw)
}

// Delete handles DELETE /killswitches/:switchId. Owner only.
func (h *Handler) Delete(c *gin.Context) {
	ctx := c.Request.Context()

	sw, ok := h.loadSwitch(c)
	if !ok {
		return
	}
	if _, ok := h.requireWalletOwner(c, sw.WalletID); !ok {
		return
	}

	if err := h.svc.Delete(ctx, sw.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to delete switch",
		})
		return
	}
	c.Status(http.StatusNoContent)
}

// Reset handles POST /killswitches/:switchId/reset. Owner only: reset
// is the single path that restores a kill-switched wallet.
func (h *Handler) Reset(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	sw, ok := h.loadSwitch(c)
	if !ok {
		return
	}
	p, ok := h.requireWalletOwner(c, sw.WalletID)
	if !ok {
		return
	}

	reset, err := h.svc.Reset(ctx, sw.ID)
	if err != nil {
		if errors.Is(err, ErrNotTriggered) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_triggered",
				"message": "Switch is not triggered",
			})
			return
		}
		logger.Error("kill switch reset failed", "error", err, "switch", sw.ID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reset failed",
		})
		return
	}

	if h.observer != nil {
		if w, err := h.wallets.GetWallet(ctx, sw.WalletID); err == nil {
			h.observer.EmitKillSwitchReset(w.AgentID, w.ID, sw.ID, p.ID)
		}
	}
	c.JSON(http.StatusOK, reset)
}

func (h *Handler) loadSwitch(c *gin.Context) (*Switch, bool) {
	sw, err := h.svc.Get(c.Request.Context(), c.Param("switchId"))
	if err != nil {
		if errors.Is(err, ErrSwitchNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Switch not found",
			})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get switch",
		})
		return nil, false
	}
	return sw, true
}

func (h *Handler) requireWalletOwner(c *gin.Context, walletID string) (*auth.Principal, bool) {
	p, ownerID, ok := h.resolve(c, walletID)
	if !ok {
		return nil, false
	}
	if p.Kind != auth.KindOwner || p.ID != ownerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential for this wallet required",
		})
		return nil, false
	}
	return p, true
}

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
		if errors.Is(err, ledger.ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet not found",
			})
			return nil, "", false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get wallet",
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
