package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
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

func (p *PostgresStore) Create(ctx context.Context, r *SpendRule) error {
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO spend_rules (id, wallet_id, kind, params, active, priority, throttled, created_at, updated_at)
		VALUES ($1, $2, $3, $4::JSONB, $5, $6, $7, $8, $8)
	`, r.ID, r.WalletID, r.Kind, string(r.Params), r.Active, r.Priority, r.Throttled, now)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*SpendRule, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, wallet_id, kind, params::TEXT, active, priority, throttled, created_at, updated_at
		FROM spend_rules WHERE id = $1
	`, id)
	r, err := scanRule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) ListByWallet(ctx context.Context, walletID string, activeOnly bool) ([]*SpendRule, error) {
	query := `
		SELECT id, wallet_id, kind, params::TEXT, active, priority, throttled, created_at, updated_at
		FROM spend_rules WHERE wallet_id = $1`
	if activeOnly {
		query += ` AND active = true`
	}
	query += ` ORDER BY created_at`

	rows, err := p.db.QueryContext(ctx, query, walletID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []*SpendRule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, r *SpendRule) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE spend_rules SET kind = $1, params = $2::JSONB, active = $3, priority = $4, throttled = $5, updated_at = NOW()
		WHERE id = $6
	`, r.Kind, string(r.Params), r.Active, r.Priority, r.Throttled, r.ID)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		DELETE FROM spend_rules WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func scanRule(scan func(dest ...interface{}) error) (*SpendRule, error) {
	var r SpendRule
	var params string
	if err := scan(&r.ID, &r.WalletID, &r.Kind, &params, &r.Active, &r.Priority, &r.Throttled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Params = json.RawMessage(params)
	return &r, nil
}
