package deadman

import (
	"context"
	"sync"
	"time"
)

// MemoryConfigStore is a thread-safe in-memory config store.
type MemoryConfigStore struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

// NewMemoryConfigStore creates a new in-memory config store.
func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{configs: make(map[string]*Config)}
}

var _ ConfigStore = (*MemoryConfigStore)(nil)

func (m *MemoryConfigStore) Upsert(_ context.Context, c *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.configs[c.AgentID]; ok {
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	m.configs[c.AgentID] = &cp
	return nil
}

func (m *MemoryConfigStore) Get(_ context.Context, agentID string) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.configs[agentID]
	if !ok {
		return nil, ErrConfigNotFound
	}
	cp := *c
	return &cp, nil
}

// MemoryEventStore is a thread-safe in-memory event store.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryEventStore creates a new in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

var _ EventStore = (*MemoryEventStore)(nil)

func (m *MemoryEventStore) Append(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	cp.CascadedTo = append([]string(nil), e.CascadedTo...)
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryEventStore) ListByAgent(_ context.Context, agentID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var results []*Event
	for i := len(m.events) - 1; i >= 0 && len(results) < limit; i-- {
		if m.events[i].AgentID == agentID {
			cp := *m.events[i]
			cp.CascadedTo = append([]string(nil), m.events[i].CascadedTo...)
			results = append(results, &cp)
		}
	}
	return results, nil
}
