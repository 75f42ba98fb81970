package killswitch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PostgresStore implements Store using PostgreSQL. Latch and Reset
// update the switch row and the wallet row in one transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const switchSelect = `
	SELECT id, wallet_id, kind, threshold::TEXT, window_hours, active, triggered,
	       triggered_at, reset_at, current_value::TEXT, created_at, updated_at
	FROM kill_switches`

func (p *PostgresStore) Create(ctx context.Context, s *Switch) error {
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kill_switches (id, wallet_id, kind, threshold, window_hours, active, triggered, current_value, created_at, updated_at)
		VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, false, 0, $7, $7)
	`, s.ID, s.WalletID, s.Kind, s.Threshold.String(), s.WindowHours, s.Active, now)
	if err != nil {
		return fmt.Errorf("create kill switch: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Switch, error) {
	row := p.db.QueryRowContext(ctx, switchSelect+` WHERE id = $1`, id)
	s, err := scanSwitch(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSwitchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get kill switch: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) ListByWallet(ctx context.Context, walletID string) ([]*Switch, error) {
	rows, err := p.db.QueryContext(ctx, switchSelect+` WHERE wallet_id = $1 ORDER BY created_at`, walletID)
	if err != nil {
		return nil, fmt.Errorf("list kill switches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var switches []*Switch
	for rows.Next() {
		s, err := scanSwitch(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan kill switch: %w", err)
		}
		switches = append(switches, s)
	}
	return switches, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM kill_switches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete kill switch: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrSwitchNotFound
	}
	return nil
}

func (p *PostgresStore) Latch(ctx context.Context, switchID string, observed decimal.Decimal, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin latch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var walletID string
	err = tx.QueryRowContext(ctx, `
		UPDATE kill_switches
		SET triggered = true, triggered_at = $1, reset_at = NULL, current_value = $2::NUMERIC, updated_at = $1
		WHERE id = $3
		RETURNING wallet_id
	`, at, observed.String(), switchID).Scan(&walletID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSwitchNotFound
	}
	if err != nil {
		return fmt.Errorf("latch switch: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET status = 'killswitched', updated_at = $1 WHERE id = $2
	`, at, walletID)
	if err != nil {
		return fmt.Errorf("latch wallet: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Reset(ctx context.Context, switchID string, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var walletID string
	err = tx.QueryRowContext(ctx, `
		UPDATE kill_switches
		SET triggered = false, reset_at = $1, current_value = 0, updated_at = $1
		WHERE id = $2
		RETURNING wallet_id
	`, at, switchID).Scan(&walletID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSwitchNotFound
	}
	if err != nil {
		return fmt.Errorf("reset switch: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET status = 'active', updated_at = $1 WHERE id = $2
	`, at, walletID)
	if err != nil {
		return fmt.Errorf("reset wallet: %w", err)
	}
	return tx.Commit()
}

func scanSwitch(scan func(dest ...interface{}) error) (*Switch, error) {
	var s Switch
	var threshold, current string
	if err := scan(&s.ID, &s.WalletID, &s.Kind, &threshold, &s.WindowHours, &s.Active,
		&s.Triggered, &s.TriggeredAt, &s.ResetAt, &current, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if s.Threshold, err = decimal.NewFromString(threshold); err != nil {
		return nil, fmt.Errorf("parse threshold: %w", err)
	}
	if s.CurrentValue, err = decimal.NewFromString(current); err != nil {
		return nil, fmt.Errorf("parse current value: %w", err)
	}
	return &s, nil
}
