package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentwallet/internal/auth"
	"github.com/mbd888/agentwallet/internal/logging"
	"github.com/mbd888/agentwallet/internal/metrics"
	"github.com/mbd888/agentwallet/internal/money"
	"github.com/mbd888/agentwallet/internal/pagination"
)

// AgentResolver maps agents to owners for scope checks. The server
// wires an adapter over the registry store.
type AgentResolver interface {
	OwnerOfAgent(ctx context.Context, agentID string) (string, error)
}

// DepositObserver is notified after a successful deposit. Satisfied by
// the webhook emitter.
type DepositObserver interface {
	EmitDeposit(agentID, walletID, amount string)
}

// RuleSeeder installs the default safety rules on a fresh wallet. The
// server wires an adapter over the rules service.
type RuleSeeder interface {
	SeedDefaults(ctx context.Context, walletID string) error
}

// Handler provides HTTP handlers for wallets, deposits, and the
// transaction history.
type Handler struct {
	svc      *Service
	agents   AgentResolver
	observer DepositObserver
	seeder   RuleSeeder
}

// NewHandler creates a ledger handler. observer and seeder may be nil.
func NewHandler(svc *Service, agents AgentResolver, observer DepositObserver, seeder RuleSeeder) *Handler {
	return &Handler{svc: svc, agents: agents, observer: observer, seeder: seeder}
}

// RegisterRoutes sets up the wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.CreateWallet)
	r.GET("/wallets/:walletId", h.GetWallet)
	r.GET("/wallets/:walletId/transactions", h.ListTransactions)
	r.POST("/wallets/:walletId/deposit", h.Deposit)
	r.POST("/wallets/:walletId/freeze", h.Freeze)
	r.POST("/wallets/:walletId/unfreeze", h.Unfreeze)
	r.GET("/agents/:agentId/wallets", h.ListWallets)
	r.GET("/transactions/:txId", h.GetTransaction)
}

// CreateWalletRequest is the payload for provisioning a wallet.
type CreateWalletRequest struct {
	AgentID          string `json:"agentId" binding:"required"`
	Currency         string `json:"currency,omitempty"`
	WithDefaultRules bool   `json:"withDefaultRules,omitempty"`
}

// CreateWallet handles POST /wallets. Owner only.
func (h *Handler) CreateWallet(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req CreateWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !h.ownerOf(c, req.AgentID) {
		return
	}

	w, err := h.svc.CreateWallet(ctx, req.AgentID, req.Currency)
	if err != nil {
		logger.Error("failed to create wallet", "error", err, "agent", req.AgentID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create wallet",
		})
		return
	}

	if req.WithDefaultRules && h.seeder != nil {
		// The wallet is already usable; a seeding failure is logged,
		// not surfaced as a creation failure.
		if err := h.seeder.SeedDefaults(ctx, w.ID); err != nil {
			logger.Error("failed to seed default rules", "error", err, "wallet", w.ID)
		}
	}
	c.JSON(http.StatusCreated, w)
}

// GetWallet handles GET /wallets/:walletId.
func (h *Handler) GetWallet(c *gin.Context) {
	w, ok := h.loadScopedWallet(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, w)
}

// ListWallets handles GET /agents/:agentId/wallets.
func (h *Handler) ListWallets(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("agentId")

	if !h.canAct(c, agentID) {
		return
	}

	wallets, err := h.svc.ListWallets(ctx, agentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list wallets",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallets": wallets,
		"count":   len(wallets),
	})
}

// DepositRequest is the payload for crediting a wallet.
type DepositRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description,omitempty"`
}

// Deposit handles POST /wallets/:walletId/deposit. Owner only: agents
// cannot fund themselves.
func (h *Handler) Deposit(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	w, ok := h.loadScopedWallet(c)
	if !ok {
		return
	}
	p, _ := auth.GetPrincipal(c)
	if p == nil || p.Kind != auth.KindOwner {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential required for deposits",
		})
		return
	}

	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": fmt.Sprintf("Invalid amount: %v", err),
		})
		return
	}

	tx, err := h.svc.Deposit(ctx, w.ID, amount, req.Description)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Deposit amount must be positive",
			})
		case errors.Is(err, ErrWalletNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet not found",
			})
		default:
			logger.Error("deposit failed", "error", err, "wallet", w.ID)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Deposit failed",
			})
		}
		return
	}

	metrics.DepositsTotal.Inc()
	if h.observer != nil {
		h.observer.EmitDeposit(w.AgentID, w.ID, money.Format(amount))
	}
	c.JSON(http.StatusCreated, tx)
}

// Freeze handles POST /wallets/:walletId/freeze. Owner only.
func (h *Handler) Freeze(c *gin.Context) {
	h.setFrozen(c, true)
}

// Unfreeze handles POST /wallets/:walletId/unfreeze. Owner only.
func (h *Handler) Unfreeze(c *gin.Context) {
	h.setFrozen(c, false)
}

func (h *Handler) setFrozen(c *gin.Context, freeze bool) {
	ctx := c.Request.Context()

	w, ok := h.loadScopedWallet(c)
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

	var err error
	if freeze {
		err = h.svc.Freeze(ctx, w.ID)
	} else {
		err = h.svc.Unfreeze(ctx, w.ID)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_transition",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update wallet status",
		})
		return
	}

	updated, err := h.svc.GetWallet(ctx, w.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet",
		})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// ListTransactions handles GET /wallets/:walletId/transactions.
func (h *Handler) ListTransactions(c *gin.Context) {
	ctx := c.Request.Context()

	w, ok := h.loadScopedWallet(c)
	if !ok {
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
			limit = 50
		}
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	txs, err := h.svc.ListTransactions(ctx, w.ID, cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list transactions",
		})
		return
	}
	page, next, hasMore := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"count":        len(page),
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

// GetTransaction handles GET /transactions/:txId.
func (h *Handler) GetTransaction(c *gin.Context) {
	ctx := c.Request.Context()

	tx, err := h.svc.GetTransaction(ctx, c.Param("txId"))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get transaction",
		})
		return
	}

	w, err := h.svc.GetWallet(ctx, tx.WalletID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet",
		})
		return
	}
	if !h.canAct(c, w.AgentID) {
		return
	}
	c.JSON(http.StatusOK, tx)
}

// loadScopedWallet loads the wallet from the path param and checks the
// caller may act on its agent. Writes the error response itself.
func (h *Handler) loadScopedWallet(c *gin.Context) (*Wallet, bool) {
	ctx := c.Request.Context()

	w, err := h.svc.GetWallet(ctx, c.Param("walletId"))
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet not found",
			})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to get wallet",
		})
		return nil, false
	}
	if !h.canAct(c, w.AgentID) {
		return nil, false
	}
	return w, true
}

// canAct checks owner-of-agent or agent-is-self scope. Writes the
// error response itself.
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

// ownerOf checks the caller is the owner of the given agent. Writes the
// error response itself.
func (h *Handler) ownerOf(c *gin.Context, agentID string) bool {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required",
		})
		return false
	}
	if p.Kind != auth.KindOwner {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Owner credential required",
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
	if ownerID != p.ID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this agent",
		})
		return false
	}
	return true
}
