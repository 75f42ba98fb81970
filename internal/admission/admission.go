// Package admission is the single entry point for spending money. It
// serializes per-wallet, walks the gates in order (preconditions,
// dead-man, kill switch, then the rules engine, or the cross-agent
// policy layer for agent-to-agent spends), persists a transaction for
// every verdict, and audits every outcome.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/mbd888/agentwallet/internal/audit"
	"github.com/mbd888/agentwallet/internal/crossagent"
	"github.com/mbd888/agentwallet/internal/deadman"
	"github.com/mbd888/agentwallet/internal/idgen"
	"github.com/mbd888/agentwallet/internal/killswitch"
	"github.com/mbd888/agentwallet/internal/ledger"
	"github.com/mbd888/agentwallet/internal/money"
	"github.com/mbd888/agentwallet/internal/rules"
	"github.com/mbd888/agentwallet/internal/syncutil"
	"github.com/mbd888/agentwallet/internal/traces"
)

var (
	ErrNotAwaitingApproval = errors.New("admission: transaction is not awaiting approval")
)

var decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentwallet",
	Subsystem: "admission",
	Name:      "decisions_total",
	Help:      "Admission verdicts by final transaction status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(decisionsTotal)
}

// Candidate is a spend request.
type Candidate struct {
	Amount        decimal.Decimal        `json:"amount"`
	Category      string                 `json:"category,omitempty"`
	RecipientID   string                 `json:"recipientId,omitempty"`
	RecipientType ledger.RecipientType   `json:"recipientType,omitempty"`
	Description   string                 `json:"description,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Result is the structured admission verdict. The transaction is
// always persisted; Evaluation is present when the rules engine ran.
type Result struct {
	Transaction *ledger.Transaction `json:"transaction"`
	Evaluation  *rules.Evaluation   `json:"evaluation,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

// Observer receives post-decision notifications. Implementations must
// not block; failures never affect the verdict.
type Observer interface {
	TransactionDecided(tx *ledger.Transaction, decision audit.Decision, reason string)
}

// CrossAgentAuthorizer is the policy layer for agent-to-agent payments.
// crossagent.Authorizer satisfies it.
type CrossAgentAuthorizer interface {
	Authorize(ctx context.Context, sourceID, targetID string, amount decimal.Decimal, paymentType string) (*crossagent.Transaction, error)
	Approve(ctx context.Context, id, operator string) (*crossagent.Transaction, error)
}

// metaCrossAgentTx links a ledger transaction to its cross-agent
// authorization record.
const metaCrossAgentTx = "crossAgentTxId"

// Controller runs the admission path.
type Controller struct {
	locks      *syncutil.ContextShardedMutex
	store      ledger.Store
	engine     *rules.Engine
	switches   *killswitch.Service
	monitor    *deadman.Monitor
	recorder   *audit.Recorder
	authorizer CrossAgentAuthorizer
	observers  []Observer
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures the Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithClock overrides the controller clock (for tests).
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithObserver registers a post-decision observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, o) }
}

// WithAuthorizer enables agent-to-agent payments through the given
// cross-agent policy layer.
func WithAuthorizer(a CrossAgentAuthorizer) Option {
	return func(c *Controller) { c.authorizer = a }
}

// NewController wires the admission path.
func NewController(store ledger.Store, engine *rules.Engine, switches *killswitch.Service, monitor *deadman.Monitor, recorder *audit.Recorder, opts ...Option) *Controller {
	c := &Controller{
		locks:    syncutil.NewContextShardedMutex(),
		store:    store,
		engine:   engine,
		switches: switches,
		monitor:  monitor,
		recorder: recorder,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit admits a candidate spend against a wallet. Policy blocks are
// not errors: they return a Result whose transaction carries the
// rejecting status and reason. Errors are reserved for absent wallets,
// invalid input, and storage failures.
func (c *Controller) Submit(ctx context.Context, walletID string, cand Candidate) (*Result, error) {
	if !cand.Amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "admission.submit",
		traces.WalletID(walletID), traces.Amount(money.Format(cand.Amount)))
	defer span.End()

	unlock, err := c.locks.LockContext(ctx, walletID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := c.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	recipientType := cand.RecipientType
	if recipientType == "" {
		recipientType = ledger.RecipientExternal
	}
	tx := &ledger.Transaction{
		ID:            idgen.WithPrefix("txn_"),
		WalletID:      walletID,
		Amount:        cand.Amount,
		RecipientID:   cand.RecipientID,
		RecipientType: recipientType,
		Category:      cand.Category,
		Description:   cand.Description,
		Metadata:      cand.Metadata,
		Status:        ledger.TxPending,
		CreatedAt:     now,
	}

	// Gate 1: preconditions.
	if w.Status == ledger.WalletKillSwitched {
		return c.finalize(ctx, w, tx, ledger.TxKillSwitched, nil, "wallet is kill-switched")
	}
	if w.Status != ledger.WalletActive {
		return c.finalize(ctx, w, tx, ledger.TxRejected, nil, fmt.Sprintf("wallet is %s", w.Status))
	}
	if w.Balance.LessThan(cand.Amount) {
		return c.finalize(ctx, w, tx, ledger.TxRejected, nil,
			fmt.Sprintf("insufficient funds: balance %s, amount %s", money.Format(w.Balance), money.Format(cand.Amount)))
	}

	// Gate 2: dead-man switch on the owning agent.
	if err := c.monitor.Evaluate(ctx, w.AgentID, cand.Amount, cand.RecipientID); err != nil {
		if errors.Is(err, deadman.ErrAgentFrozen) || errors.Is(err, deadman.ErrVelocity) || errors.Is(err, deadman.ErrAnomalyBlocked) {
			return c.finalize(ctx, w, tx, ledger.TxRejected, nil, err.Error())
		}
		return nil, err
	}

	// Gate 3: kill switch, latched first, then trigger conditions.
	latched, err := c.switches.Latched(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if latched != nil {
		return c.finalize(ctx, w, tx, ledger.TxKillSwitched, nil, killswitch.Describe(latched))
	}
	fired, err := c.switches.Evaluate(ctx, walletID)
	if err != nil {
		return nil, err
	}
	if fired != nil {
		return c.finalize(ctx, w, tx, ledger.TxKillSwitched, nil, killswitch.Describe(fired))
	}

	// Cross-agent spends bypass the wallet rules engine: the cross-agent
	// policy layer governs them instead.
	if recipientType == ledger.RecipientAgentWallet {
		return c.submitCrossAgent(ctx, w, tx, now)
	}

	// Gate 4: rules engine.
	ev, err := c.engine.Evaluate(ctx, walletID, rules.Candidate{
		Amount:        cand.Amount,
		Category:      cand.Category,
		RecipientID:   cand.RecipientID,
		RecipientType: recipientType,
		Metadata:      cand.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if results, err := json.Marshal(ev.Results); err == nil {
		tx.RuleCheckResults = results
	}

	// Gate 5: final status selection.
	if !ev.Approved {
		return c.finalize(ctx, w, tx, ledger.TxRejected, ev,
			fmt.Sprintf("rules failed: %s", strings.Join(ev.FailedKinds(), ", ")))
	}
	if ev.RequiresApproval {
		return c.finalize(ctx, w, tx, ledger.TxAwaitingApproval, ev, "amount above approval threshold")
	}

	tx.Status = ledger.TxApproved
	if err := c.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if err := c.store.ExecuteDebit(ctx, walletID, tx.ID, cand.Amount, now); err != nil {
		// Should not happen under the wallet lock; classify and leave
		// the row Failed for reconciliation.
		_ = c.store.UpdateTransactionStatus(ctx, tx.ID, ledger.TxFailed, nil)
		return nil, err
	}
	tx.Status = ledger.TxCompleted
	tx.CompletedAt = &now

	c.record(ctx, w.AgentID, tx, audit.DecisionAllowed, "all gates passed")
	c.notify(tx, audit.DecisionAllowed, "")
	decisionsTotal.WithLabelValues(string(tx.Status)).Inc()
	span.SetAttributes(traces.TransactionID(tx.ID), traces.Decision(string(tx.Status)))
	return &Result{Transaction: tx, Evaluation: ev}, nil
}

// submitCrossAgent runs an agent-to-agent spend through the cross-agent
// policy layer. Authorized immediate payments settle as a debit on the
// source wallet and a deposit into the target agent's wallet; escalated
// ones are held for approval like any other transaction.
func (c *Controller) submitCrossAgent(ctx context.Context, w *ledger.Wallet, tx *ledger.Transaction, now time.Time) (*Result, error) {
	if c.authorizer == nil {
		return c.finalize(ctx, w, tx, ledger.TxRejected, nil, "cross-agent payments are not enabled")
	}
	if tx.RecipientID == "" {
		return c.finalize(ctx, w, tx, ledger.TxRejected, nil, "cross-agent payment requires a recipient agent id")
	}
	target, err := c.activeWallet(ctx, tx.RecipientID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return c.finalize(ctx, w, tx, ledger.TxRejected, nil,
			fmt.Sprintf("target agent %s has no active wallet", tx.RecipientID))
	}

	cat, err := c.authorizer.Authorize(ctx, w.AgentID, tx.RecipientID, tx.Amount, tx.Category)
	if err != nil {
		return nil, err
	}
	if tx.Metadata == nil {
		tx.Metadata = make(map[string]interface{})
	}
	tx.Metadata[metaCrossAgentTx] = cat.ID

	if cat.RequiresHuman {
		return c.finalize(ctx, w, tx, ledger.TxAwaitingApproval, nil, cat.Reason)
	}
	if !cat.Authorized {
		return c.finalize(ctx, w, tx, ledger.TxRejected, nil, cat.Reason)
	}

	tx.Status = ledger.TxApproved
	if err := c.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if err := c.store.ExecuteDebit(ctx, w.ID, tx.ID, tx.Amount, now); err != nil {
		_ = c.store.UpdateTransactionStatus(ctx, tx.ID, ledger.TxFailed, nil)
		return nil, err
	}
	tx.Status = ledger.TxCompleted
	tx.CompletedAt = &now
	c.creditTarget(ctx, target, tx, now)

	c.record(ctx, w.AgentID, tx, audit.DecisionAllowed, "cross-agent payment authorized: "+cat.AuthorizationMethod)
	c.notify(tx, audit.DecisionAllowed, "")
	decisionsTotal.WithLabelValues(string(tx.Status)).Inc()
	return &Result{Transaction: tx}, nil
}

// activeWallet returns the agent's first active wallet, nil when the
// agent has none.
func (c *Controller) activeWallet(ctx context.Context, agentID string) (*ledger.Wallet, error) {
	wallets, err := c.store.ListWalletsByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	for _, w := range wallets {
		if w.Status == ledger.WalletActive {
			return w, nil
		}
	}
	return nil, nil
}

// creditTarget records the receiving leg of a settled cross-agent
// payment. Failures are logged for reconciliation; the source debit
// stands.
func (c *Controller) creditTarget(ctx context.Context, target *ledger.Wallet, src *ledger.Transaction, now time.Time) {
	credit := &ledger.Transaction{
		ID:            idgen.WithPrefix("txn_"),
		WalletID:      target.ID,
		Amount:        src.Amount,
		RecipientID:   src.WalletID,
		RecipientType: ledger.RecipientAgentWallet,
		Category:      ledger.CategoryDeposit,
		Description:   "cross-agent payment received",
		Metadata:      map[string]interface{}{"sourceTransactionId": src.ID},
		Status:        ledger.TxCompleted,
		CreatedAt:     now,
		CompletedAt:   &now,
	}
	if err := c.store.Deposit(ctx, target.ID, credit); err != nil {
		c.logger.Error("cross-agent credit failed",
			"source_transaction", src.ID, "target_wallet", target.ID, "error", err)
	}
}

// finalize persists a non-completed verdict, audits it, and notifies
// observers.
func (c *Controller) finalize(ctx context.Context, w *ledger.Wallet, tx *ledger.Transaction, status ledger.TxStatus, ev *rules.Evaluation, reason string) (*Result, error) {
	tx.Status = status
	if err := c.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	decision := audit.DecisionBlocked
	if status == ledger.TxAwaitingApproval {
		decision = audit.DecisionEscalated
	}
	reasoning := reason
	if tx.RuleCheckResults != nil {
		reasoning = reason + "; results: " + string(tx.RuleCheckResults)
	}
	c.record(ctx, w.AgentID, tx, decision, reasoning)
	c.notify(tx, decision, reason)
	decisionsTotal.WithLabelValues(string(status)).Inc()

	c.logger.Info("admission decided",
		"transaction", tx.ID, "wallet", tx.WalletID, "status", string(status), "reason", reason)
	return &Result{Transaction: tx, Evaluation: ev, Reason: reason}, nil
}

// Approve executes a held transaction. Balance is re-checked at
// execute time under the wallet lock.
func (c *Controller) Approve(ctx context.Context, txID, operator string) (*Result, error) {
	tx, err := c.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	unlock, err := c.locks.LockContext(ctx, tx.WalletID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// Re-read under the lock: a concurrent approve may have won.
	tx, err = c.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != ledger.TxAwaitingApproval {
		return nil, fmt.Errorf("%w: status %s", ErrNotAwaitingApproval, tx.Status)
	}
	w, err := c.store.GetWallet(ctx, tx.WalletID)
	if err != nil {
		return nil, err
	}

	// A held cross-agent payment carries its authorization record id;
	// the operator approval flows through to it before funds move.
	if catID, ok := tx.Metadata[metaCrossAgentTx].(string); ok && c.authorizer != nil {
		if _, err := c.authorizer.Approve(ctx, catID, operator); err != nil && !errors.Is(err, crossagent.ErrAlreadyAuthorized) {
			return nil, err
		}
	}

	now := c.now()
	if err := c.store.ExecuteDebit(ctx, tx.WalletID, tx.ID, tx.Amount, now); err != nil {
		return nil, err
	}
	tx.Status = ledger.TxCompleted
	tx.CompletedAt = &now

	if tx.RecipientType == ledger.RecipientAgentWallet {
		target, err := c.activeWallet(ctx, tx.RecipientID)
		if err != nil || target == nil {
			c.logger.Error("cross-agent credit target missing",
				"transaction", tx.ID, "target_agent", tx.RecipientID, "error", err)
		} else {
			c.creditTarget(ctx, target, tx, now)
		}
	}

	c.record(ctx, w.AgentID, tx, audit.DecisionAllowed, "approved by "+operator)
	c.notify(tx, audit.DecisionAllowed, "")
	decisionsTotal.WithLabelValues(string(tx.Status)).Inc()
	return &Result{Transaction: tx}, nil
}

// Reject declines a held transaction and records the operator's reason
// in the transaction metadata.
func (c *Controller) Reject(ctx context.Context, txID, operator, reason string) (*Result, error) {
	tx, err := c.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}

	unlock, err := c.locks.LockContext(ctx, tx.WalletID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err = c.store.GetTransaction(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != ledger.TxAwaitingApproval {
		return nil, fmt.Errorf("%w: status %s", ErrNotAwaitingApproval, tx.Status)
	}
	w, err := c.store.GetWallet(ctx, tx.WalletID)
	if err != nil {
		return nil, err
	}

	if err := c.store.UpdateTransactionStatus(ctx, tx.ID, ledger.TxRejected, nil); err != nil {
		return nil, err
	}
	if reason != "" {
		meta := tx.Metadata
		if meta == nil {
			meta = make(map[string]interface{})
		}
		meta["rejectionReason"] = reason
		meta["rejectedBy"] = operator
		if err := c.store.UpdateTransactionMetadata(ctx, tx.ID, meta); err != nil {
			c.logger.Error("record rejection reason failed", "transaction", tx.ID, "error", err)
		}
		tx.Metadata = meta
	}
	tx.Status = ledger.TxRejected

	c.record(ctx, w.AgentID, tx, audit.DecisionBlocked, "rejected by "+operator+": "+reason)
	c.notify(tx, audit.DecisionBlocked, reason)
	decisionsTotal.WithLabelValues(string(tx.Status)).Inc()
	return &Result{Transaction: tx, Reason: reason}, nil
}

// ListPending returns the wallet's transactions held for approval.
func (c *Controller) ListPending(ctx context.Context, walletID string, limit int) ([]*ledger.Transaction, error) {
	return c.store.ListByStatus(ctx, walletID, ledger.TxAwaitingApproval, limit)
}

func (c *Controller) record(ctx context.Context, agentID string, tx *ledger.Transaction, decision audit.Decision, reasoning string) {
	c.recorder.Record(ctx, agentID, "transaction.submit", "transaction", tx.ID, decision, reasoning)
}

func (c *Controller) notify(tx *ledger.Transaction, decision audit.Decision, reason string) {
	for _, o := range c.observers {
		o.TransactionDecided(tx, decision, reason)
	}
}
