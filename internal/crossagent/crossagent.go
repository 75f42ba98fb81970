// Package crossagent governs agent-to-agent payments. Policies resolve
// most-specific-first (exact target, then group, then wildcard) and
// every authorization attempt persists a transaction record.
package crossagent

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPolicyNotFound      = errors.New("crossagent: policy not found")
	ErrTransactionNotFound = errors.New("crossagent: transaction not found")
	ErrInvalidPolicy       = errors.New("crossagent: invalid policy")
	ErrAlreadyAuthorized   = errors.New("crossagent: transaction already authorized")
	ErrNotEscalated        = errors.New("crossagent: transaction is not awaiting approval")
)

// Settlement modes.
const (
	SettlementImmediate = "immediate"
	SettlementBatched   = "batched"
	SettlementEscrow    = "escrow"
)

// Settlement statuses.
const (
	StatusPending = "pending"
	StatusSettled = "settled"
	StatusFailed  = "failed"
)

// Authorization methods.
const (
	MethodAuto          = "auto"
	MethodEscalated     = "escalated"
	MethodHumanApproved = "human_approved"
)

// Policy authorizes payments from one agent toward a target scope.
// Exactly one of TargetAgentID and TargetGroupID is set; both empty
// means the policy is a wildcard over all targets. Zero limits are
// unlimited.
type Policy struct {
	ID                        string          `json:"id"`
	OwnerID                   string          `json:"ownerId"`
	SourceAgentID             string          `json:"sourceAgentId"`
	TargetAgentID             string          `json:"targetAgentId,omitempty"`
	TargetGroupID             string          `json:"targetAgentGroup,omitempty"`
	MaxPerTransaction         decimal.Decimal `json:"maxPerTransaction"`
	MaxDailyToTarget          decimal.Decimal `json:"maxDailyToTarget"`
	MaxDailyAllAgents         decimal.Decimal `json:"maxDailyAllAgents"`
	AllowedPaymentTypes       []string        `json:"allowedPaymentTypes,omitempty"`
	RequireMutualPolicy       bool            `json:"requireMutualPolicy"`
	SettlementMode            string          `json:"settlementMode"`
	MinCounterpartyTrustScore float64         `json:"minCounterpartyTrustScore"`
	RequireHumanApprovalAbove decimal.Decimal `json:"requireHumanApprovalAbove"`
	Enabled                   bool            `json:"enabled"`
	CreatedAt                 time.Time       `json:"createdAt"`
	UpdatedAt                 time.Time       `json:"updatedAt"`
}

// Validate checks structural constraints at creation time.
func (p *Policy) Validate() error {
	if p.SourceAgentID == "" {
		return errors.New("crossagent: sourceAgentId is required")
	}
	if p.TargetAgentID != "" && p.TargetGroupID != "" {
		return errors.New("crossagent: targetAgentId and targetAgentGroup are mutually exclusive")
	}
	switch p.SettlementMode {
	case SettlementImmediate, SettlementBatched, SettlementEscrow:
	default:
		return errors.New("crossagent: unknown settlement mode")
	}
	if p.MinCounterpartyTrustScore < 0 || p.MinCounterpartyTrustScore > 1 {
		return errors.New("crossagent: minCounterpartyTrustScore must be in [0,1]")
	}
	if p.MaxPerTransaction.IsNegative() || p.MaxDailyToTarget.IsNegative() || p.MaxDailyAllAgents.IsNegative() {
		return errors.New("crossagent: limits must be non-negative")
	}
	return nil
}

// Transaction is the persisted record of one authorization attempt.
type Transaction struct {
	ID                  string          `json:"id"`
	SourceAgentID       string          `json:"sourceAgentId"`
	TargetAgentID       string          `json:"targetAgentId"`
	Amount              decimal.Decimal `json:"amount"`
	PaymentType         string          `json:"paymentType"`
	Authorized          bool            `json:"authorized"`
	AuthorizationMethod string          `json:"authorizationMethod,omitempty"`
	SettlementStatus    string          `json:"settlementStatus"`
	RequiresHuman       bool            `json:"requiresHuman"`
	Reason              string          `json:"reason,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	UpdatedAt           time.Time       `json:"updatedAt"`
}

// Store persists policies and cross-agent transactions.
type Store interface {
	CreatePolicy(ctx context.Context, p *Policy) error
	GetPolicy(ctx context.Context, id string) (*Policy, error)
	ListPoliciesBySource(ctx context.Context, sourceAgentID string) ([]*Policy, error)
	UpdatePolicy(ctx context.Context, p *Policy) error
	DeletePolicy(ctx context.Context, id string) error

	CreateTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, t *Transaction) error
	ListBySource(ctx context.Context, sourceAgentID string, limit int) ([]*Transaction, error)

	// SumAuthorizedSince returns the authorized volume from source
	// since the given time; an empty target sums across all targets.
	SumAuthorizedSince(ctx context.Context, sourceAgentID, targetAgentID string, since time.Time) (decimal.Decimal, error)

	// CounterpartyStats returns (settled, total) counts of cross-agent
	// transactions with the agent as recipient, for trust scoring.
	CounterpartyStats(ctx context.Context, targetAgentID string) (settled, total int, err error)
}
