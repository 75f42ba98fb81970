package admission

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentwallet/internal/auth"
	"github.com/mbd888/agentwallet/internal/ledger"
	"github.com/mbd888/agentwallet/internal/logging"
	"github.com/mbd888/agentwallet/internal/metrics"
	"github.com/mbd888/agentwallet/internal/money"
)

// LedgerReader is the slice of the ledger the handlers need for scope
// checks. ledger.Store satisfies it.
type LedgerReader interface {
	GetWallet(ctx context.Context, id string) (*ledger.Wallet, error)
	GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error)
}

// AgentResolver maps agents to owners for scope checks.
type AgentResolver interface {
	OwnerOfAgent(ctx context.Context, agentID string) (string, error)
}

// Handler provides HTTP handlers for the spend admission path.
type Handler struct {
	ctrl   *Controller
	reader LedgerReader
	agents AgentResolver
}

// NewHandler creates an admission handler.
func NewHandler(ctrl *Controller, reader LedgerReader, agents AgentResolver) *Handler {
	return &Handler{ctrl: ctrl, reader: reader, agents: agents}
}

// RegisterRoutes sets up the admission routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:walletId/transactions", h.Submit)
	r.GET("/wallets/:walletId/pending", h.ListPending)
	r.POST("/transactions/:txId/approve", h.Approve)
	r.POST("/transactions/:txId/reject", h.Reject)
}

// SubmitRequest is the payload for a spend attempt.
type SubmitRequest struct {
	Amount        string                 `json:"amount" binding:"required"`
	Category      string                 `json:"category,omitempty"`
	RecipientID   string                 `json:"recipientId,omitempty"`
	RecipientType string                 `json:"recipientType,omitempty"`
	Description   string                 `json:"description,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Submit handles POST /wallets/:walletId/transactions.
//
// Status codes mirror the verdict: 201 for a completed spend, 202 when
// held for approval, 400 for a policy rejection or kill switch with the
// persisted transaction in the body.
func (h *Handler) Submit(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	walletID := c.Param("walletId")

	w, ok := h.scopedWallet(c, walletID)
	if !ok {
		return
	}

	var req SubmitRequest
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

	res, err := h.ctrl.Submit(ctx, w.ID, Candidate{
		Amount:        amount,
		Category:      req.Category,
		RecipientID:   req.RecipientID,
		RecipientType: ledger.RecipientType(req.RecipientType),
		Description:   req.Description,
		Metadata:      req.Metadata,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be positive",
			})
		case errors.Is(err, ledger.ErrWalletNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Wallet not found",
			})
		default:
			logger.Error("admission failed", "error", err, "wallet", w.ID)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Admission failed",
			})
		}
		return
	}

	switch res.Transaction.Status {
	case ledger.TxCompleted:
		c.JSON(http.StatusCreated, res)
	case ledger.TxAwaitingApproval:
		c.JSON(http.StatusAccepted, res)
	default:
		c.JSON(http.StatusBadRequest, res)
	}
}

// ListPending handles GET /wallets/:walletId/pending.
func (h *Handler) ListPending(c *gin.Context) {
	ctx := c.Request.Context()

	w, ok := h.scopedWallet(c, c.Param("walletId"))
	if !ok {
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit <= 0 {
			limit = 50
		}
	}

	pending, err := h.ctrl.ListPending(ctx, w.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list pending transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": pending,
		"count":        len(pending),
	})
}

// Approve handles POST /transactions/:txId/approve. Owner only.
func (h *Handler) Approve(c *gin.Context) {
	ctx := c.Request.Context()
	txID := c.Param("txId")

	p, ok := h.scopedOperator(c, txID)
	if !ok {
		return
	}

	res, err := h.ctrl.Approve(ctx, txID, p.ID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
		case errors.Is(err, ErrNotAwaitingApproval):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_awaiting_approval",
				"message": err.Error(),
			})
		case errors.Is(err, ledger.ErrInsufficientFunds):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "insufficient_funds",
				"message": "Wallet balance can no longer cover this transaction",
			})
		case errors.Is(err, ledger.ErrWalletNotActive):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "wallet_not_active",
				"message": "Wallet is not active",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Approval failed",
			})
		}
		return
	}

	metrics.ApprovalsTotal.WithLabelValues("approved").Inc()
	c.JSON(http.StatusOK, res)
}

// RejectRequest is the payload for rejecting a held transaction.
type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Reject handles POST /transactions/:txId/reject. Owner only.
func (h *Handler) Reject(c *gin.Context) {
	ctx := c.Request.Context()
	txID := c.Param("txId")

	p, ok := h.scopedOperator(c, txID)
	if !ok {
		return
	}

	var req RejectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	res, err := h.ctrl.Reject(ctx, txID, p.ID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Transaction not found",
			})
		case errors.Is(err, ErrNotAwaitingApproval):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "not_awaiting_approval",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Rejection failed",
			})
		}
		return
	}

	metrics.ApprovalsTotal.WithLabelValues("rejected").Inc()
	c.JSON(http.StatusOK, res)
}

// scopedWallet loads the wallet and checks the caller may spend from
// it: the agent itself or its owner.
func (h *Handler) scopedWallet(c *gin.Context, walletID string) (*ledger.Wallet, bool) {
	ctx := c.Request.Context()

	w, err := h.reader.GetWallet(ctx, walletID)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
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

	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "API key required",
		})
		return nil, false
	}
	ownerID, err := h.agents.OwnerOfAgent(ctx, w.AgentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Agent not found",
		})
		return nil, false
	}
	if !auth.CanActOnAgent(p, w.AgentID, ownerID) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this wallet",
		})
		return nil, false
	}
	return w, true
}

// scopedOperator checks the caller is the owner of the transaction's
// agent. Approvals are a human decision surface: agent credentials are
// never accepted.
func (h *Handler) scopedOperator(c *gin.Context, txID string) (*auth.Principal, bool) {
	ctx := c.Request.Context()

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

	tx, err := h.reader.GetTransaction(ctx, txID)
	if err != nil {
		if errors.Is(err, ledger.ErrTransactionNotFound) {
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
	w, err := h.reader.GetWallet(ctx, tx.WalletID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet",
		})
		return nil, false
	}
	ownerID, err := h.agents.OwnerOfAgent(ctx, w.AgentID)
	if err != nil || ownerID != p.ID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not authorized for this transaction",
		})
		return nil, false
	}
	return p, true
}
