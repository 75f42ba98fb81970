package killswitch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentwallet/internal/ledger"
)

// WalletLatcher is the slice of the ledger store the memory store needs
// to flip wallet status alongside a trigger. *ledger.MemoryStore
// satisfies it.
type WalletLatcher interface {
	UpdateWalletStatus(ctx context.Context, id string, status ledger.WalletStatus) error
}

// MemoryStore is a thread-safe in-memory implementation. Latch and
// Reset update the wallet through the supplied latcher; with the
// in-memory ledger both stores live in the same process so the pair of
// writes is effectively atomic under the admission wallet lock.
type MemoryStore struct {
	mu       sync.RWMutex
	switches map[string]*Switch
	wallets  WalletLatcher
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(wallets WalletLatcher) *MemoryStore {
	return &MemoryStore{switches: make(map[string]*Switch), wallets: wallets}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, s *Switch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	cp := *s
	m.switches[s.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Switch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.switches[id]
	if !ok {
		return nil, ErrSwitchNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListByWallet(_ context.Context, walletID string) ([]*Switch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Switch
	for _, s := range m.switches {
		if s.WalletID != walletID {
			continue
		}
		cp := *s
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.switches[id]; !ok {
		return ErrSwitchNotFound
	}
	delete(m.switches, id)
	return nil
}

func (m *MemoryStore) Latch(ctx context.Context, switchID string, observed decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	s, ok := m.switches[switchID]
	if !ok {
		m.mu.Unlock()
		return ErrSwitchNotFound
	}
	s.Triggered = true
	triggeredAt := at
	s.TriggeredAt = &triggeredAt
	s.ResetAt = nil
	s.CurrentValue = observed
	s.UpdatedAt = at
	walletID := s.WalletID
	m.mu.Unlock()

	return m.wallets.UpdateWalletStatus(ctx, walletID, ledger.WalletKillSwitched)
}

func (m *MemoryStore) Reset(ctx context.Context, switchID string, at time.Time) error {
	m.mu.Lock()
	s, ok := m.switches[switchID]
	if !ok {
		m.mu.Unlock()
		return ErrSwitchNotFound
	}
	s.Triggered = false
	resetAt := at
	s.ResetAt = &resetAt
	s.CurrentValue = decimal.Zero
	s.UpdatedAt = at
	walletID := s.WalletID
	m.mu.Unlock()

	return m.wallets.UpdateWalletStatus(ctx, walletID, ledger.WalletActive)
}
