package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentwallet/internal/pagination"
)

// MemoryStore is a thread-safe in-memory implementation for tests and
// single-process deployments. The compound writes (ExecuteDebit,
// Deposit) are atomic under the store mutex.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet
	txs     map[string]*Transaction
	order   []string // transaction ids in insertion order
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		txs:     make(map[string]*Transaction),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateWallet(_ context.Context, w *Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w.CreatedAt = now
	w.UpdatedAt = now
	cp := *w
	m.wallets[w.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWallet(_ context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWalletsByAgent(_ context.Context, agentID string) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Wallet
	for _, w := range m.wallets {
		if w.AgentID == agentID {
			cp := *w
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

func (m *MemoryStore) UpdateWalletStatus(_ context.Context, id string, status WalletStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return ErrWalletNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	cp := *tx
	m.txs[tx.ID] = &cp
	m.order = append(m.order, tx.ID)
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) UpdateTransactionStatus(_ context.Context, id string, status TxStatus, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Status = status
	tx.CompletedAt = completedAt
	return nil
}

func (m *MemoryStore) UpdateTransactionMetadata(_ context.Context, id string, metadata map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	tx.Metadata = metadata
	return nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, walletID string, before *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var results []*Transaction
	for i := len(m.order) - 1; i >= 0 && len(results) < limit; i-- {
		tx := m.txs[m.order[i]]
		if tx.WalletID != walletID {
			continue
		}
		if before != nil && !beforeCursor(tx, before) {
			continue
		}
		cp := *tx
		results = append(results, &cp)
	}
	return results, nil
}

// beforeCursor reports whether tx sorts strictly after the cursor
// position in (created_at DESC, id DESC) order.
func beforeCursor(tx *Transaction, c *pagination.Cursor) bool {
	if tx.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return tx.CreatedAt.Equal(c.CreatedAt) && tx.ID < c.ID
}

func (m *MemoryStore) ListByStatus(_ context.Context, walletID string, status TxStatus, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var results []*Transaction
	for i := len(m.order) - 1; i >= 0 && len(results) < limit; i-- {
		tx := m.txs[m.order[i]]
		if tx.WalletID == walletID && tx.Status == status {
			cp := *tx
			results = append(results, &cp)
		}
	}
	return results, nil
}

func (m *MemoryStore) ExecuteDebit(_ context.Context, walletID, txID string, amount decimal.Decimal, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrWalletNotFound
	}
	tx, ok := m.txs[txID]
	if !ok {
		return ErrTransactionNotFound
	}
	if w.Status != WalletActive {
		return ErrWalletNotActive
	}
	newBalance := w.Balance.Sub(amount)
	if newBalance.IsNegative() {
		return ErrInsufficientFunds
	}
	w.Balance = newBalance
	w.UpdatedAt = completedAt
	tx.Status = TxCompleted
	tx.CompletedAt = &completedAt
	return nil
}

func (m *MemoryStore) Deposit(_ context.Context, walletID string, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return ErrWalletNotFound
	}
	w.Balance = w.Balance.Add(tx.Amount)
	w.UpdatedAt = time.Now()
	cp := *tx
	m.txs[tx.ID] = &cp
	m.order = append(m.order, tx.ID)
	return nil
}

func (m *MemoryStore) SpendBetween(_ context.Context, walletID string, from, to time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, tx := range m.txs {
		if tx.WalletID != walletID || tx.Status != TxCompleted || tx.Category == CategoryDeposit {
			continue
		}
		if tx.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !tx.CreatedAt.Before(to) {
			continue
		}
		sum = sum.Add(tx.Amount)
	}
	return sum, nil
}

func (m *MemoryStore) ListCompletedSince(_ context.Context, walletID string, since time.Time) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Transaction
	for _, id := range m.order {
		tx := m.txs[id]
		if tx.WalletID != walletID || tx.Status != TxCompleted {
			continue
		}
		if tx.CreatedAt.Before(since) {
			continue
		}
		cp := *tx
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

func (m *MemoryStore) AgentSpendBetween(_ context.Context, agentID string, from, to time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, tx := range m.txs {
		w, ok := m.wallets[tx.WalletID]
		if !ok || w.AgentID != agentID {
			continue
		}
		if tx.Status != TxCompleted || tx.Category == CategoryDeposit {
			continue
		}
		if tx.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !tx.CreatedAt.Before(to) {
			continue
		}
		sum = sum.Add(tx.Amount)
	}
	return sum, nil
}

func (m *MemoryStore) AgentVendorsSince(_ context.Context, agentID string, since time.Time) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, tx := range m.txs {
		w, ok := m.wallets[tx.WalletID]
		if !ok || w.AgentID != agentID {
			continue
		}
		if tx.Status != TxCompleted || tx.RecipientID == "" {
			continue
		}
		if tx.CreatedAt.Before(since) {
			continue
		}
		seen[tx.RecipientID] = struct{}{}
	}
	vendors := make([]string, 0, len(seen))
	for v := range seen {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)
	return vendors, nil
}
