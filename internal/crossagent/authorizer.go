package crossagent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentwallet/internal/audit"
	"github.com/mbd888/agentwallet/internal/idgen"
	"github.com/mbd888/agentwallet/internal/money"
	"github.com/mbd888/agentwallet/internal/registry"
)

// GroupReader resolves agent groups for policy matching. registry.Store
// satisfies it.
type GroupReader interface {
	GetGroup(ctx context.Context, id string) (*registry.Group, error)
}

// Authorizer evaluates cross-agent payment requests.
type Authorizer struct {
	store    Store
	groups   GroupReader
	recorder *audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the Authorizer.
type Option func(*Authorizer)

// WithLogger sets the authorizer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authorizer) { a.logger = logger }
}

// WithClock overrides the authorizer clock (for tests).
func WithClock(now func() time.Time) Option {
	return func(a *Authorizer) { a.now = now }
}

// WithRecorder sets the audit recorder for authorization outcomes.
func WithRecorder(recorder *audit.Recorder) Option {
	return func(a *Authorizer) { a.recorder = recorder }
}

// NewAuthorizer creates a cross-agent authorizer.
func NewAuthorizer(store Store, groups GroupReader, opts ...Option) *Authorizer {
	a := &Authorizer{store: store, groups: groups, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// CreatePolicy validates and persists a policy.
func (a *Authorizer) CreatePolicy(ctx context.Context, p *Policy) error {
	p.ID = idgen.WithPrefix("cap_")
	if p.SettlementMode == "" {
		p.SettlementMode = SettlementImmediate
	}
	if err := p.Validate(); err != nil {
		return err
	}
	return a.store.CreatePolicy(ctx, p)
}

// GetPolicy returns a policy by id.
func (a *Authorizer) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	return a.store.GetPolicy(ctx, id)
}

// ListPolicies returns the source agent's policies.
func (a *Authorizer) ListPolicies(ctx context.Context, sourceAgentID string) ([]*Policy, error) {
	return a.store.ListPoliciesBySource(ctx, sourceAgentID)
}

// UpdatePolicy validates and persists policy mutations.
func (a *Authorizer) UpdatePolicy(ctx context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return a.store.UpdatePolicy(ctx, p)
}

// DeletePolicy removes a policy.
func (a *Authorizer) DeletePolicy(ctx context.Context, id string) error {
	return a.store.DeletePolicy(ctx, id)
}

// GetTransaction returns a cross-agent transaction.
func (a *Authorizer) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return a.store.GetTransaction(ctx, id)
}

// ListTransactions returns the source agent's authorization history.
func (a *Authorizer) ListTransactions(ctx context.Context, sourceAgentID string, limit int) ([]*Transaction, error) {
	return a.store.ListBySource(ctx, sourceAgentID, limit)
}

// resolve picks the most specific enabled policy for (source, target):
// exact target match, then any group containing the target, then a
// wildcard. Returns nil when nothing matches.
func (a *Authorizer) resolve(ctx context.Context, sourceID, targetID string) (*Policy, error) {
	policies, err := a.store.ListPoliciesBySource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	var groupMatch, wildcard *Policy
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		switch {
		case p.TargetAgentID == targetID && p.TargetAgentID != "":
			return p, nil
		case p.TargetGroupID != "" && groupMatch == nil:
			g, err := a.groups.GetGroup(ctx, p.TargetGroupID)
			if err != nil {
				continue
			}
			if g.Contains(targetID) {
				groupMatch = p
			}
		case p.TargetAgentID == "" && p.TargetGroupID == "" && wildcard == nil:
			wildcard = p
		}
	}
	if groupMatch != nil {
		return groupMatch, nil
	}
	return wildcard, nil
}

// Authorize evaluates a source -> target payment request and persists
// the outcome. A missing policy or an escalation yields a held record,
// not an error; errors are reserved for storage failures.
func (a *Authorizer) Authorize(ctx context.Context, sourceID, targetID string, amount decimal.Decimal, paymentType string) (*Transaction, error) {
	tx := &Transaction{
		ID:               idgen.WithPrefix("cat_"),
		SourceAgentID:    sourceID,
		TargetAgentID:    targetID,
		Amount:           amount,
		PaymentType:      paymentType,
		SettlementStatus: StatusPending,
	}

	policy, err := a.resolve(ctx, sourceID, targetID)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		tx.RequiresHuman = true
		tx.Reason = "no policy covers this target, human approval required"
		return a.persist(ctx, tx)
	}

	if policy.RequireMutualPolicy {
		reverse, err := a.resolve(ctx, targetID, sourceID)
		if err != nil {
			return nil, err
		}
		if reverse == nil {
			tx.Reason = "mutual policy required but target has none for source"
			return a.persist(ctx, tx)
		}
	}

	if reason, err := a.runChecks(ctx, policy, sourceID, targetID, amount, paymentType); err != nil {
		return nil, err
	} else if reason != "" {
		tx.Reason = reason
		return a.persist(ctx, tx)
	}

	if policy.RequireHumanApprovalAbove.IsPositive() && amount.GreaterThan(policy.RequireHumanApprovalAbove) {
		tx.AuthorizationMethod = MethodEscalated
		tx.RequiresHuman = true
		tx.Reason = fmt.Sprintf("amount %s above human-approval threshold %s",
			money.Format(amount), money.Format(policy.RequireHumanApprovalAbove))
		return a.persist(ctx, tx)
	}

	tx.Authorized = true
	tx.AuthorizationMethod = MethodAuto
	if policy.SettlementMode == SettlementImmediate {
		tx.SettlementStatus = StatusSettled
	}
	a.logger.Info("cross-agent payment authorized",
		"source", sourceID, "target", targetID, "amount", money.Format(amount), "policy", policy.ID)
	return a.persist(ctx, tx)
}

// persist stores an authorization outcome and audits it.
func (a *Authorizer) persist(ctx context.Context, tx *Transaction) (*Transaction, error) {
	if err := a.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	if a.recorder != nil {
		decision := audit.DecisionBlocked
		switch {
		case tx.Authorized:
			decision = audit.DecisionAllowed
		case tx.RequiresHuman:
			decision = audit.DecisionEscalated
		}
		reasoning := tx.Reason
		if reasoning == "" {
			reasoning = fmt.Sprintf("payment to %s authorized (%s)", tx.TargetAgentID, tx.AuthorizationMethod)
		}
		a.recorder.Record(ctx, tx.SourceAgentID, "crossagent.authorize", "crossagent_transaction", tx.ID, decision, reasoning)
	}
	return tx, nil
}

// runChecks returns a non-empty rejection reason when any limit fails.
func (a *Authorizer) runChecks(ctx context.Context, policy *Policy, sourceID, targetID string, amount decimal.Decimal, paymentType string) (string, error) {
	if len(policy.AllowedPaymentTypes) > 0 && !containsString(policy.AllowedPaymentTypes, paymentType) {
		return fmt.Sprintf("payment type %q not allowed", paymentType), nil
	}
	if policy.MaxPerTransaction.IsPositive() && amount.GreaterThan(policy.MaxPerTransaction) {
		return fmt.Sprintf("amount %s exceeds per-transaction limit %s",
			money.Format(amount), money.Format(policy.MaxPerTransaction)), nil
	}

	dayAgo := a.now().Add(-24 * time.Hour)
	if policy.MaxDailyToTarget.IsPositive() {
		toTarget, err := a.store.SumAuthorizedSince(ctx, sourceID, targetID, dayAgo)
		if err != nil {
			return "", err
		}
		if toTarget.Add(amount).GreaterThan(policy.MaxDailyToTarget) {
			return fmt.Sprintf("daily volume to target %s + %s exceeds limit %s",
				money.Format(toTarget), money.Format(amount), money.Format(policy.MaxDailyToTarget)), nil
		}
	}
	if policy.MaxDailyAllAgents.IsPositive() {
		total, err := a.store.SumAuthorizedSince(ctx, sourceID, "", dayAgo)
		if err != nil {
			return "", err
		}
		if total.Add(amount).GreaterThan(policy.MaxDailyAllAgents) {
			return fmt.Sprintf("daily cross-agent volume %s + %s exceeds limit %s",
				money.Format(total), money.Format(amount), money.Format(policy.MaxDailyAllAgents)), nil
		}
	}

	if policy.MinCounterpartyTrustScore > 0 {
		settled, total, err := a.store.CounterpartyStats(ctx, targetID)
		if err != nil {
			return "", err
		}
		if total > 0 {
			score := float64(settled) / float64(total)
			if score < policy.MinCounterpartyTrustScore {
				return fmt.Sprintf("counterparty trust score %.2f below minimum %.2f",
					score, policy.MinCounterpartyTrustScore), nil
			}
		}
	}
	return "", nil
}

// Approve is the operator path for escalated transactions.
func (a *Authorizer) Approve(ctx context.Context, id, operator string) (*Transaction, error) {
	tx, err := a.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Authorized {
		return nil, ErrAlreadyAuthorized
	}
	if !tx.RequiresHuman {
		return nil, ErrNotEscalated
	}
	tx.Authorized = true
	tx.AuthorizationMethod = MethodHumanApproved
	tx.RequiresHuman = false
	if tx.SettlementStatus == StatusPending {
		tx.SettlementStatus = StatusSettled
	}
	if err := a.store.UpdateTransaction(ctx, tx); err != nil {
		return nil, err
	}
	a.logger.Info("cross-agent payment approved", "transaction", id, "operator", operator)
	if a.recorder != nil {
		a.recorder.Record(ctx, tx.SourceAgentID, "crossagent.approve", "crossagent_transaction", tx.ID,
			audit.DecisionAllowed, "approved by "+operator)
	}
	return tx, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
