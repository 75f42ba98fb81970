package crossagent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const policySelect = `
	SELECT id, owner_id, source_agent_id, COALESCE(target_agent_id, ''), COALESCE(target_group_id, ''),
	       max_per_transaction::TEXT, max_daily_to_target::TEXT, max_daily_all_agents::TEXT,
	       allowed_payment_types, require_mutual_policy, settlement_mode,
	       min_counterparty_trust_score, require_human_approval_above::TEXT, enabled, created_at, updated_at
	FROM cross_agent_policies`

func (p *PostgresStore) CreatePolicy(ctx context.Context, pol *Policy) error {
	now := time.Now()
	pol.CreatedAt = now
	pol.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cross_agent_policies (
			id, owner_id, source_agent_id, target_agent_id, target_group_id,
			max_per_transaction, max_daily_to_target, max_daily_all_agents,
			allowed_payment_types, require_mutual_policy, settlement_mode,
			min_counterparty_trust_score, require_human_approval_above, enabled, created_at, updated_at
		) VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''),
			$6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13::NUMERIC, $14, $15, $15)
	`, pol.ID, pol.OwnerID, pol.SourceAgentID, pol.TargetAgentID, pol.TargetGroupID,
		pol.MaxPerTransaction.String(), pol.MaxDailyToTarget.String(), pol.MaxDailyAllAgents.String(),
		pq.Array(pol.AllowedPaymentTypes), pol.RequireMutualPolicy, pol.SettlementMode,
		pol.MinCounterpartyTrustScore, pol.RequireHumanApprovalAbove.String(), pol.Enabled, now)
	if err != nil {
		return fmt.Errorf("create cross-agent policy: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	row := p.db.QueryRowContext(ctx, policySelect+` WHERE id = $1`, id)
	pol, err := scanPolicy(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cross-agent policy: %w", err)
	}
	return pol, nil
}

func (p *PostgresStore) ListPoliciesBySource(ctx context.Context, sourceAgentID string) ([]*Policy, error) {
	rows, err := p.db.QueryContext(ctx, policySelect+` WHERE source_agent_id = $1 ORDER BY created_at`, sourceAgentID)
	if err != nil {
		return nil, fmt.Errorf("list cross-agent policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var policies []*Policy
	for rows.Next() {
		pol, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan cross-agent policy: %w", err)
		}
		policies = append(policies, pol)
	}
	return policies, rows.Err()
}

func (p *PostgresStore) UpdatePolicy(ctx context.Context, pol *Policy) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE cross_agent_policies SET
			target_agent_id = NULLIF($1, ''), target_group_id = NULLIF($2, ''),
			max_per_transaction = $3::NUMERIC, max_daily_to_target = $4::NUMERIC, max_daily_all_agents = $5::NUMERIC,
			allowed_payment_types = $6, require_mutual_policy = $7, settlement_mode = $8,
			min_counterparty_trust_score = $9, require_human_approval_above = $10::NUMERIC,
			enabled = $11, updated_at = NOW()
		WHERE id = $12
	`, pol.TargetAgentID, pol.TargetGroupID,
		pol.MaxPerTransaction.String(), pol.MaxDailyToTarget.String(), pol.MaxDailyAllAgents.String(),
		pq.Array(pol.AllowedPaymentTypes), pol.RequireMutualPolicy, pol.SettlementMode,
		pol.MinCounterpartyTrustScore, pol.RequireHumanApprovalAbove.String(), pol.Enabled, pol.ID)
	if err != nil {
		return fmt.Errorf("update cross-agent policy: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

func (p *PostgresStore) DeletePolicy(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM cross_agent_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete cross-agent policy: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}

const caTxSelect = `
	SELECT id, source_agent_id, target_agent_id, amount::TEXT, payment_type,
	       authorized, COALESCE(authorization_method, ''), settlement_status,
	       requires_human, COALESCE(reason, ''), created_at, updated_at
	FROM cross_agent_transactions`

func (p *PostgresStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cross_agent_transactions (
			id, source_agent_id, target_agent_id, amount, payment_type,
			authorized, authorization_method, settlement_status, requires_human, reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(20,2), $5, $6, NULLIF($7, ''), $8, $9, NULLIF($10, ''), $11, $12)
	`, t.ID, t.SourceAgentID, t.TargetAgentID, t.Amount.String(), t.PaymentType,
		t.Authorized, t.AuthorizationMethod, t.SettlementStatus, t.RequiresHuman, t.Reason, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create cross-agent transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, caTxSelect+` WHERE id = $1`, id)
	t, err := scanCATransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cross-agent transaction: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) UpdateTransaction(ctx context.Context, t *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE cross_agent_transactions SET
			authorized = $1, authorization_method = NULLIF($2, ''), settlement_status = $3,
			requires_human = $4, reason = NULLIF($5, ''), updated_at = NOW()
		WHERE id = $6
	`, t.Authorized, t.AuthorizationMethod, t.SettlementStatus, t.RequiresHuman, t.Reason, t.ID)
	if err != nil {
		return fmt.Errorf("update cross-agent transaction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func (p *PostgresStore) ListBySource(ctx context.Context, sourceAgentID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, caTxSelect+` WHERE source_agent_id = $1 ORDER BY created_at DESC LIMIT $2`, sourceAgentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cross-agent transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var txs []*Transaction
	for rows.Next() {
		t, err := scanCATransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan cross-agent transaction: %w", err)
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (p *PostgresStore) SumAuthorizedSince(ctx context.Context, sourceAgentID, targetAgentID string, since time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)::TEXT FROM cross_agent_transactions
		WHERE source_agent_id = $1 AND authorized = true AND created_at >= $2`
	args := []interface{}{sourceAgentID, since}
	if targetAgentID != "" {
		query += ` AND target_agent_id = $3`
		args = append(args, targetAgentID)
	}
	var sum string
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("sum authorized: %w", err)
	}
	d, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse sum: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) CounterpartyStats(ctx context.Context, targetAgentID string) (int, int, error) {
	var settled, total int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE settlement_status = 'settled'), COUNT(*)
		FROM cross_agent_transactions WHERE target_agent_id = $1 AND authorized = true
	`, targetAgentID).Scan(&settled, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("counterparty stats: %w", err)
	}
	return settled, total, nil
}

func scanPolicy(scan func(dest ...interface{}) error) (*Policy, error) {
	var pol Policy
	var maxPerTx, maxDailyTarget, maxDailyAll, humanAbove string
	var types pq.StringArray
	if err := scan(&pol.ID, &pol.OwnerID, &pol.SourceAgentID, &pol.TargetAgentID, &pol.TargetGroupID,
		&maxPerTx, &maxDailyTarget, &maxDailyAll, &types, &pol.RequireMutualPolicy, &pol.SettlementMode,
		&pol.MinCounterpartyTrustScore, &humanAbove, &pol.Enabled, &pol.CreatedAt, &pol.UpdatedAt); err != nil {
		return nil, err
	}
	pol.AllowedPaymentTypes = []string(types)
	var err error
	if pol.MaxPerTransaction, err = decimal.NewFromString(maxPerTx); err != nil {
		return nil, fmt.Errorf("parse maxPerTransaction: %w", err)
	}
	if pol.MaxDailyToTarget, err = decimal.NewFromString(maxDailyTarget); err != nil {
		return nil, fmt.Errorf("parse maxDailyToTarget: %w", err)
	}
	if pol.MaxDailyAllAgents, err = decimal.NewFromString(maxDailyAll); err != nil {
		return nil, fmt.Errorf("parse maxDailyAllAgents: %w", err)
	}
	if pol.RequireHumanApprovalAbove, err = decimal.NewFromString(humanAbove); err != nil {
		return nil, fmt.Errorf("parse requireHumanApprovalAbove: %w", err)
	}
	return &pol, nil
}

func scanCATransaction(scan func(dest ...interface{}) error) (*Transaction, error) {
	var t Transaction
	var amount string
	if err := scan(&t.ID, &t.SourceAgentID, &t.TargetAgentID, &amount, &t.PaymentType,
		&t.Authorized, &t.AuthorizationMethod, &t.SettlementStatus,
		&t.RequiresHuman, &t.Reason, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &t, nil
}
