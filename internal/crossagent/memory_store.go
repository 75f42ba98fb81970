package crossagent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is a thread-safe in-memory implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	txs      map[string]*Transaction
	order    []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[string]*Policy),
		txs:      make(map[string]*Transaction),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreatePolicy(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPolicy(_ context.Context, id string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListPoliciesBySource(_ context.Context, sourceAgentID string) ([]*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Policy
	for _, p := range m.policies {
		if p.SourceAgentID == sourceAgentID {
			cp := *p
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

func (m *MemoryStore) UpdatePolicy(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.policies[p.ID]
	if !ok {
		return ErrPolicyNotFound
	}
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = time.Now()
	cp := *p
	m.policies[p.ID] = &cp
	return nil
}

func (m *MemoryStore) DeletePolicy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[id]; !ok {
		return ErrPolicyNotFound
	}
	delete(m.policies, id)
	return nil
}

func (m *MemoryStore) CreateTransaction(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	m.txs[t.ID] = &cp
	m.order = append(m.order, t.ID)
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) UpdateTransaction(_ context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.txs[t.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = time.Now()
	cp := *t
	m.txs[t.ID] = &cp
	return nil
}

func (m *MemoryStore) ListBySource(_ context.Context, sourceAgentID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var results []*Transaction
	for i := len(m.order) - 1; i >= 0 && len(results) < limit; i-- {
		t := m.txs[m.order[i]]
		if t.SourceAgentID == sourceAgentID {
			cp := *t
			results = append(results, &cp)
		}
	}
	return results, nil
}

func (m *MemoryStore) SumAuthorizedSince(_ context.Context, sourceAgentID, targetAgentID string, since time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero
	for _, t := range m.txs {
		if t.SourceAgentID != sourceAgentID || !t.Authorized {
			continue
		}
		if targetAgentID != "" && t.TargetAgentID != targetAgentID {
			continue
		}
		if t.CreatedAt.Before(since) {
			continue
		}
		sum = sum.Add(t.Amount)
	}
	return sum, nil
}

func (m *MemoryStore) CounterpartyStats(_ context.Context, targetAgentID string) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var settled, total int
	for _, t := range m.txs {
		if t.TargetAgentID != targetAgentID || !t.Authorized {
			continue
		}
		total++
		if t.SettlementStatus == StatusSettled {
			settled++
		}
	}
	return settled, total, nil
}
