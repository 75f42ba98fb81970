package lineage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a thread-safe in-memory implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	lineages map[string]*Lineage
	events   []*SpawnEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lineages: make(map[string]*Lineage)}
}

var _ Store = (*MemoryStore)(nil)

func copyLineage(l *Lineage) *Lineage {
	cp := *l
	cp.ChildrenIDs = append([]string(nil), l.ChildrenIDs...)
	cp.Policy.AllowedVendors = append([]string(nil), l.Policy.AllowedVendors...)
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, l *Lineage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lineages[l.AgentID]; ok {
		return ErrChildExists
	}
	now := time.Now()
	l.CreatedAt = now
	l.UpdatedAt = now
	m.lineages[l.AgentID] = copyLineage(l)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, agentID string) (*Lineage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.lineages[agentID]
	if !ok {
		return nil, ErrLineageNotFound
	}
	return copyLineage(l), nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, agentID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lineages[agentID]
	if !ok {
		return ErrLineageNotFound
	}
	l.Status = status
	l.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) CreateChild(_ context.Context, parentID string, child *Lineage, event *SpawnEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.lineages[parentID]
	if !ok {
		return ErrLineageNotFound
	}
	if _, ok := m.lineages[child.AgentID]; ok {
		return ErrChildExists
	}
	now := time.Now()
	child.CreatedAt = now
	child.UpdatedAt = now
	m.lineages[child.AgentID] = copyLineage(child)
	parent.ChildrenIDs = append(parent.ChildrenIDs, child.AgentID)
	parent.UpdatedAt = now

	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, agentID string, limit int) ([]*SpawnEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var results []*SpawnEvent
	for i := len(m.events) - 1; i >= 0 && len(results) < limit; i-- {
		e := m.events[i]
		if e.ParentID == agentID || e.ChildID == agentID {
			cp := *e
			results = append(results, &cp)
		}
	}
	return results, nil
}
