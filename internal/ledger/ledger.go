// Package ledger tracks wallet balances and the transaction lifecycle.
//
// Flow:
//  1. Owner creates a wallet for an agent and deposits funds
//  2. Every spend enters through the admission controller
//  3. Approved spends debit the wallet atomically with completion
//  4. Only Completed non-deposit transactions count toward spend windows
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentwallet/internal/idgen"
	"github.com/mbd888/agentwallet/internal/money"
	"github.com/mbd888/agentwallet/internal/pagination"
)

var (
	ErrWalletNotFound      = errors.New("ledger: wallet not found")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrWalletNotActive     = errors.New("ledger: wallet is not active")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInvalidTransition   = errors.New("ledger: invalid status transition")
)

// WalletStatus is a wallet's lifecycle state.
type WalletStatus string

const (
	WalletActive       WalletStatus = "active"
	WalletFrozen       WalletStatus = "frozen"
	WalletClosed       WalletStatus = "closed"
	WalletKillSwitched WalletStatus = "killswitched"
)

// TxStatus is a transaction's lifecycle state.
type TxStatus string

const (
	TxPending          TxStatus = "pending"
	TxApproved         TxStatus = "approved"
	TxAwaitingApproval TxStatus = "awaiting_approval"
	TxRejected         TxStatus = "rejected"
	TxCompleted        TxStatus = "completed"
	TxFailed           TxStatus = "failed"
	TxCancelled        TxStatus = "cancelled"
	TxKillSwitched     TxStatus = "killswitched"
)

// Terminal reports whether the status admits no further transitions.
func (s TxStatus) Terminal() bool {
	switch s {
	case TxCompleted, TxRejected, TxFailed, TxCancelled, TxKillSwitched:
		return true
	}
	return false
}

// RecipientType classifies where a spend goes.
type RecipientType string

const (
	RecipientExternal    RecipientType = "external"
	RecipientAgentWallet RecipientType = "agent_wallet"
	RecipientEscrow      RecipientType = "escrow"
)

// CategoryDeposit marks balance top-ups; deposits never count against
// spend rules or spend-window aggregates.
const CategoryDeposit = "deposit"

// Wallet is a balance-bearing ledger entry owned by exactly one agent.
type Wallet struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agentId"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	Status    WalletStatus    `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Transaction records a single spend attempt and its outcome.
type Transaction struct {
	ID               string                 `json:"id"`
	WalletID         string                 `json:"walletId"`
	Amount           decimal.Decimal        `json:"amount"`
	RecipientID      string                 `json:"recipientId,omitempty"`
	RecipientType    RecipientType          `json:"recipientType"`
	Category         string                 `json:"category,omitempty"`
	Description      string                 `json:"description,omitempty"`
	Status           TxStatus               `json:"status"`
	RuleCheckResults []byte                 `json:"ruleCheckResults,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	CompletedAt      *time.Time             `json:"completedAt,omitempty"`
}

// PnL reads the signed profit-and-loss figure from transaction
// metadata, if present. Used by kill-switch trigger evaluation.
func (t *Transaction) PnL() (decimal.Decimal, bool) {
	if t.Metadata == nil {
		return decimal.Zero, false
	}
	switch v := t.Metadata["pnl"].(type) {
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

// Store persists wallets and transactions. ExecuteDebit and Deposit are
// the two compound writes and must be atomic.
type Store interface {
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	ListWalletsByAgent(ctx context.Context, agentID string) ([]*Wallet, error)
	UpdateWalletStatus(ctx context.Context, id string, status WalletStatus) error

	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	UpdateTransactionStatus(ctx context.Context, id string, status TxStatus, completedAt *time.Time) error
	UpdateTransactionMetadata(ctx context.Context, id string, metadata map[string]interface{}) error
	ListTransactions(ctx context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Transaction, error)
	ListByStatus(ctx context.Context, walletID string, status TxStatus, limit int) ([]*Transaction, error)

	// ExecuteDebit atomically decrements the wallet balance and marks
	// the transaction Completed. Fails with ErrInsufficientFunds if the
	// balance would go negative, ErrWalletNotActive if the wallet is
	// not active.
	ExecuteDebit(ctx context.Context, walletID, txID string, amount decimal.Decimal, completedAt time.Time) error

	// Deposit atomically increments the wallet balance and records the
	// given Completed deposit transaction.
	Deposit(ctx context.Context, walletID string, tx *Transaction) error

	// SpendBetween sums Completed non-deposit amounts with
	// createdAt in [from, to). A zero `to` means no upper bound.
	SpendBetween(ctx context.Context, walletID string, from, to time.Time) (decimal.Decimal, error)

	// ListCompletedSince returns Completed transactions with
	// createdAt >= since in chronological order.
	ListCompletedSince(ctx context.Context, walletID string, since time.Time) ([]*Transaction, error)

	// AgentSpendBetween sums Completed non-deposit amounts across all
	// of an agent's wallets with createdAt in [from, to).
	AgentSpendBetween(ctx context.Context, agentID string, from, to time.Time) (decimal.Decimal, error)

	// AgentVendorsSince returns the distinct recipient ids of Completed
	// transactions across an agent's wallets since the given time.
	AgentVendorsSince(ctx context.Context, agentID string, since time.Time) ([]string, error)
}

// Service exposes wallet operations outside the admission path.
type Service struct {
	store  Store
	logger *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a wallet service over the given store.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store for composition by the admission
// controller and kill switch.
func (s *Service) Store() Store { return s.store }

// CreateWallet provisions a new active wallet for an agent.
func (s *Service) CreateWallet(ctx context.Context, agentID, currency string) (*Wallet, error) {
	if currency == "" {
		currency = "USD"
	}
	w := &Wallet{
		ID:       idgen.WithPrefix("wal_"),
		AgentID:  agentID,
		Balance:  decimal.Zero,
		Currency: currency,
		Status:   WalletActive,
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		return nil, err
	}
	s.logger.Info("wallet created", "wallet", w.ID, "agent", agentID)
	return w, nil
}

// GetWallet returns a wallet by id.
func (s *Service) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	return s.store.GetWallet(ctx, id)
}

// ListWallets returns all wallets for an agent.
func (s *Service) ListWallets(ctx context.Context, agentID string) ([]*Wallet, error) {
	return s.store.ListWalletsByAgent(ctx, agentID)
}

// Deposit credits a wallet and records a Completed deposit
// transaction. Deposits bypass rules and are not idempotent by id:
// repeated calls add repeatedly.
func (s *Service) Deposit(ctx context.Context, walletID string, amount decimal.Decimal, description string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	now := time.Now()
	tx := &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		WalletID:      walletID,
		Amount:        amount,
		RecipientType: RecipientExternal,
		Category:      CategoryDeposit,
		Description:   description,
		Status:        TxCompleted,
		CreatedAt:     now,
		CompletedAt:   &now,
	}
	if err := s.store.Deposit(ctx, walletID, tx); err != nil {
		return nil, err
	}
	s.logger.Info("deposit completed", "wallet", walletID, "amount", money.Format(amount))
	return tx, nil
}

// Freeze transitions a wallet to Frozen.
func (s *Service) Freeze(ctx context.Context, walletID string) error {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if w.Status == WalletClosed {
		return ErrInvalidTransition
	}
	return s.store.UpdateWalletStatus(ctx, walletID, WalletFrozen)
}

// Unfreeze restores a Frozen wallet to Active. KillSwitched wallets are
// restored only through the kill-switch reset path.
func (s *Service) Unfreeze(ctx context.Context, walletID string) error {
	w, err := s.store.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	if w.Status != WalletFrozen {
		return ErrInvalidTransition
	}
	return s.store.UpdateWalletStatus(ctx, walletID, WalletActive)
}

// GetTransaction returns a transaction by id.
func (s *Service) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ListTransactions returns transactions for a wallet, newest first,
// starting after the cursor position when one is given.
func (s *Service) ListTransactions(ctx context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListTransactions(ctx, walletID, before, limit)
}
