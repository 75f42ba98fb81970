package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentwallet/internal/money"
	"github.com/mbd888/agentwallet/internal/pagination"
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

func (p *PostgresStore) CreateWallet(ctx context.Context, w *Wallet) error {
	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, agent_id, balance, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $6)
	`, w.ID, w.AgentID, money.Format(w.Balance), w.Currency, string(w.Status), now)
	if err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, id string) (*Wallet, error) {
	var w Wallet
	var balance, status string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, agent_id, balance::TEXT, currency, status, created_at, updated_at
		FROM wallets WHERE id = $1
	`, id).Scan(&w.ID, &w.AgentID, &balance, &w.Currency, &status, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	w.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse wallet balance: %w", err)
	}
	w.Status = WalletStatus(status)
	return &w, nil
}

func (p *PostgresStore) ListWalletsByAgent(ctx context.Context, agentID string) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, agent_id, balance::TEXT, currency, status, created_at, updated_at
		FROM wallets WHERE agent_id = $1 ORDER BY created_at
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var wallets []*Wallet
	for rows.Next() {
		var w Wallet
		var balance, status string
		if err := rows.Scan(&w.ID, &w.AgentID, &balance, &w.Currency, &status, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		w.Balance, err = decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("parse wallet balance: %w", err)
		}
		w.Status = WalletStatus(status)
		wallets = append(wallets, &w)
	}
	return wallets, rows.Err()
}

func (p *PostgresStore) UpdateWalletStatus(ctx context.Context, id string, status WalletStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE wallets SET status = $1, updated_at = NOW() WHERE id = $2
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("update wallet status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("marshal tx metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO transactions (id, wallet_id, amount, recipient_id, recipient_type, category,
			description, status, rule_check_results, metadata, created_at, completed_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7, $8, $9::JSONB, $10::JSONB, $11, $12)
	`, tx.ID, tx.WalletID, money.Format(tx.Amount), tx.RecipientID, string(tx.RecipientType),
		tx.Category, tx.Description, string(tx.Status), nullableJSON(tx.RuleCheckResults), metadata,
		tx.CreatedAt, tx.CompletedAt)
	if err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, txSelect+` WHERE id = $1`, id)
	tx, err := scanTransaction(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return tx, nil
}

func (p *PostgresStore) UpdateTransactionStatus(ctx context.Context, id string, status TxStatus, completedAt *time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET status = $1, completed_at = $2 WHERE id = $3
	`, string(status), completedAt, id)
	if err != nil {
		return fmt.Errorf("update transaction status: %w", err)
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

func (p *PostgresStore) UpdateTransactionMetadata(ctx context.Context, id string, metadata map[string]interface{}) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET metadata = $1::JSONB WHERE id = $2
	`, string(data), id)
	if err != nil {
		return fmt.Errorf("update transaction metadata: %w", err)
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

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if before != nil {
		rows, err = p.db.QueryContext(ctx, txSelect+`
			WHERE wallet_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC LIMIT $4`,
			walletID, before.CreatedAt, before.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, txSelect+`
			WHERE wallet_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, walletID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return collectTransactions(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, walletID string, status TxStatus, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, txSelect+`
		WHERE wallet_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT $3`, walletID, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions by status: %w", err)
	}
	return collectTransactions(rows)
}

func (p *PostgresStore) ExecuteDebit(ctx context.Context, walletID, txID string, amount decimal.Decimal, completedAt time.Time) error {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin debit: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	result, err := dbTx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance - $1::NUMERIC(20,2), updated_at = $2
		WHERE id = $3 AND status = 'active' AND balance >= $1::NUMERIC(20,2)
	`, money.Format(amount), completedAt, walletID)
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish the failure for the caller.
		var status, balance string
		err := dbTx.QueryRowContext(ctx, `SELECT status, balance::TEXT FROM wallets WHERE id = $1`, walletID).
			Scan(&status, &balance)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrWalletNotFound
		}
		if err != nil {
			return fmt.Errorf("inspect wallet: %w", err)
		}
		if WalletStatus(status) != WalletActive {
			return ErrWalletNotActive
		}
		return ErrInsufficientFunds
	}

	result, err = dbTx.ExecContext(ctx, `
		UPDATE transactions SET status = $1, completed_at = $2 WHERE id = $3
	`, string(TxCompleted), completedAt, txID)
	if err != nil {
		return fmt.Errorf("complete transaction: %w", err)
	}
	rows, err = result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrTransactionNotFound
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit debit: %w", err)
	}
	return nil
}

func (p *PostgresStore) Deposit(ctx context.Context, walletID string, tx *Transaction) error {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin deposit: %w", err)
	}
	defer func() { _ = dbTx.Rollback() }()

	result, err := dbTx.ExecContext(ctx, `
		UPDATE wallets SET balance = balance + $1::NUMERIC(20,2), updated_at = NOW() WHERE id = $2
	`, money.Format(tx.Amount), walletID)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrWalletNotFound
	}

	metadata, err := json.Marshal(tx.Metadata)
	if err != nil {
		return fmt.Errorf("marshal tx metadata: %w", err)
	}
	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO transactions (id, wallet_id, amount, recipient_id, recipient_type, category,
			description, status, rule_check_results, metadata, created_at, completed_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7, $8, $9::JSONB, $10::JSONB, $11, $12)
	`, tx.ID, tx.WalletID, money.Format(tx.Amount), tx.RecipientID, string(tx.RecipientType),
		tx.Category, tx.Description, string(tx.Status), nullableJSON(tx.RuleCheckResults), metadata,
		tx.CreatedAt, tx.CompletedAt)
	if err != nil {
		return fmt.Errorf("record deposit: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit deposit: %w", err)
	}
	return nil
}

func (p *PostgresStore) SpendBetween(ctx context.Context, walletID string, from, to time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)::TEXT FROM transactions
		WHERE wallet_id = $1 AND status = 'completed' AND category <> 'deposit' AND created_at >= $2`
	args := []interface{}{walletID, from}
	if !to.IsZero() {
		query += ` AND created_at < $3`
		args = append(args, to)
	}
	var sum string
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("spend between: %w", err)
	}
	d, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse spend sum: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) ListCompletedSince(ctx context.Context, walletID string, since time.Time) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, txSelect+`
		WHERE wallet_id = $1 AND status = 'completed' AND created_at >= $2
		ORDER BY created_at`, walletID, since)
	if err != nil {
		return nil, fmt.Errorf("list completed: %w", err)
	}
	return collectTransactions(rows)
}

func (p *PostgresStore) AgentSpendBetween(ctx context.Context, agentID string, from, to time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(t.amount), 0)::TEXT FROM transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.agent_id = $1 AND t.status = 'completed' AND t.category <> 'deposit' AND t.created_at >= $2`
	args := []interface{}{agentID, from}
	if !to.IsZero() {
		query += ` AND t.created_at < $3`
		args = append(args, to)
	}
	var sum string
	if err := p.db.QueryRowContext(ctx, query, args...).Scan(&sum); err != nil {
		return decimal.Zero, fmt.Errorf("agent spend between: %w", err)
	}
	d, err := decimal.NewFromString(sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse agent spend sum: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) AgentVendorsSince(ctx context.Context, agentID string, since time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT t.recipient_id FROM transactions t
		JOIN wallets w ON w.id = t.wallet_id
		WHERE w.agent_id = $1 AND t.status = 'completed' AND t.recipient_id <> '' AND t.created_at >= $2
		ORDER BY t.recipient_id
	`, agentID, since)
	if err != nil {
		return nil, fmt.Errorf("agent vendors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var vendors []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan vendor: %w", err)
		}
		vendors = append(vendors, v)
	}
	return vendors, rows.Err()
}

const txSelect = `
	SELECT id, wallet_id, amount::TEXT, COALESCE(recipient_id, ''), recipient_type,
		COALESCE(category, ''), COALESCE(description, ''), status,
		COALESCE(rule_check_results::TEXT, ''), metadata, created_at, completed_at
	FROM transactions`

func scanTransaction(scan func(dest ...interface{}) error) (*Transaction, error) {
	var tx Transaction
	var amount, recipientType, status, ruleResults string
	var metadata []byte
	var completedAt sql.NullTime
	if err := scan(&tx.ID, &tx.WalletID, &amount, &tx.RecipientID, &recipientType,
		&tx.Category, &tx.Description, &status, &ruleResults, &metadata,
		&tx.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	var err error
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse tx amount: %w", err)
	}
	tx.RecipientType = RecipientType(recipientType)
	tx.Status = TxStatus(status)
	if ruleResults != "" {
		tx.RuleCheckResults = []byte(ruleResults)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &tx.Metadata)
	}
	if completedAt.Valid {
		t := completedAt.Time
		tx.CompletedAt = &t
	}
	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]*Transaction, error) {
	defer func() { _ = rows.Close() }()

	var txs []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
