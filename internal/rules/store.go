package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/agentwallet/internal/idgen"
	"github.com/mbd888/agentwallet/internal/money"
)

// Store persists spend rules.
type Store interface {
	Create(ctx context.Context, r *SpendRule) error
	Get(ctx context.Context, id string) (*SpendRule, error)
	ListByWallet(ctx context.Context, walletID string, activeOnly bool) ([]*SpendRule, error)
	Update(ctx context.Context, r *SpendRule) error
	Delete(ctx context.Context, id string) error
}

// Service manages rule CRUD with validation.
type Service struct {
	store  Store
	logger *slog.Logger
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a rule service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store for the evaluation engine.
func (s *Service) Store() Store { return s.store }

// Create validates and persists a new rule.
func (s *Service) Create(ctx context.Context, walletID, kind string, params json.RawMessage, priority int) (*SpendRule, error) {
	r := &SpendRule{
		ID:       idgen.WithPrefix("rule_"),
		WalletID: walletID,
		Kind:     kind,
		Params:   params,
		Active:   true,
		Priority: priority,
	}
	if err := ValidateRule(r); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	s.logger.Info("rule created", "rule", r.ID, "wallet", walletID, "kind", kind)
	return r, nil
}

// Get returns a rule by id.
func (s *Service) Get(ctx context.Context, id string) (*SpendRule, error) {
	return s.store.Get(ctx, id)
}

// List returns a wallet's rules.
func (s *Service) List(ctx context.Context, walletID string, activeOnly bool) ([]*SpendRule, error) {
	return s.store.ListByWallet(ctx, walletID, activeOnly)
}

// Update validates and persists rule mutations.
func (s *Service) Update(ctx context.Context, r *SpendRule) error {
	if err := ValidateRule(r); err != nil {
		return err
	}
	return s.store.Update(ctx, r)
}

// Delete removes a rule.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// throttleFactor is applied to daily limits when a dead-man throttle
// action fires.
const throttleFactor = "0.1"

// ThrottleDailyLimits multiplies every active daily-limit rule on the
// wallet by the throttle factor and marks it throttled. Returns the
// ids of the rules changed.
func (s *Service) ThrottleDailyLimits(ctx context.Context, walletID string) ([]string, error) {
	active, err := s.store.ListByWallet(ctx, walletID, true)
	if err != nil {
		return nil, err
	}
	factor := money.MustParse(throttleFactor)

	var throttled []string
	for _, r := range active {
		if r.Kind != KindDailyLimit || r.Throttled {
			continue
		}
		var p LimitParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			continue
		}
		limit, err := money.Parse(p.Limit)
		if err != nil {
			continue
		}
		p.Limit = money.Format(limit.Mul(factor))
		params, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal throttled params: %w", err)
		}
		r.Params = params
		r.Throttled = true
		if err := s.store.Update(ctx, r); err != nil {
			return nil, err
		}
		throttled = append(throttled, r.ID)
		s.logger.Warn("daily limit throttled", "rule", r.ID, "wallet", walletID, "limit", p.Limit)
	}
	return throttled, nil
}

// Default safety rules seeded on request at wallet creation.
const (
	defaultPerTxLimit        = "100.00"
	defaultApprovalThreshold = "50.00"
)

// SeedDefaults creates the default safety rules on a fresh wallet: a
// per-transaction cap and an approval threshold below it.
func (s *Service) SeedDefaults(ctx context.Context, walletID string) ([]*SpendRule, error) {
	limitParams, _ := json.Marshal(LimitParams{Limit: defaultPerTxLimit})
	capRule, err := s.Create(ctx, walletID, KindPerTransactionLimit, limitParams, 100)
	if err != nil {
		return nil, err
	}
	thresholdParams, _ := json.Marshal(ApprovalThresholdParams{Threshold: defaultApprovalThreshold})
	approvalRule, err := s.Create(ctx, walletID, KindApprovalThreshold, thresholdParams, 50)
	if err != nil {
		return nil, err
	}
	return []*SpendRule{capRule, approvalRule}, nil
}

// MemoryStore is a thread-safe in-memory implementation.
type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]*SpendRule
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]*SpendRule)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, r *SpendRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*SpendRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByWallet(_ context.Context, walletID string, activeOnly bool) ([]*SpendRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*SpendRule
	for _, r := range m.rules {
		if r.WalletID != walletID {
			continue
		}
		if activeOnly && !r.Active {
			continue
		}
		cp := *r
		results = append(results, &cp)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

func (m *MemoryStore) Update(_ context.Context, r *SpendRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.rules[r.ID]
	if !ok {
		return ErrRuleNotFound
	}
	r.CreatedAt = cur.CreatedAt
	r.UpdatedAt = time.Now()
	cp := *r
	m.rules[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}
