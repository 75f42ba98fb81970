package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store defines the persistence interface for owners, agents and groups.
type Store interface {
	// Owners
	CreateOwner(ctx context.Context, owner *Owner) error
	GetOwner(ctx context.Context, id string) (*Owner, error)
	GetOwnerByKeyHash(ctx context.Context, keyHash string) (*Owner, error)
	RotateOwnerKey(ctx context.Context, id, newKeyHash string) error
	UpdateOwner(ctx context.Context, owner *Owner) error

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByKeyHash(ctx context.Context, keyHash string) (*Agent, error)
	ListAgentsByOwner(ctx context.Context, ownerID string) ([]*Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus) error
	UpdateAgent(ctx context.Context, agent *Agent) error

	// Groups
	CreateGroup(ctx context.Context, group *Group) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	ListGroupsByOwner(ctx context.Context, ownerID string) ([]*Group, error)
	UpdateGroup(ctx context.Context, group *Group) error
	DeleteGroup(ctx context.Context, id string) error
}

// MemoryStore is a thread-safe in-memory implementation for tests and
// single-process deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	owners map[string]*Owner
	agents map[string]*Agent
	groups map[string]*Group
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		owners: make(map[string]*Owner),
		agents: make(map[string]*Agent),
		groups: make(map[string]*Group),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateOwner(_ context.Context, owner *Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.owners {
		if o.APIKeyHash == owner.APIKeyHash {
			return ErrDuplicateAPIKey
		}
	}
	now := time.Now()
	owner.CreatedAt = now
	owner.UpdatedAt = now
	cp := *owner
	m.owners[owner.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOwner(_ context.Context, id string) (*Owner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.owners[id]
	if !ok {
		return nil, ErrOwnerNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetOwnerByKeyHash(_ context.Context, keyHash string) (*Owner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.owners {
		if o.APIKeyHash == keyHash {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOwnerNotFound
}

func (m *MemoryStore) RotateOwnerKey(_ context.Context, id, newKeyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.owners[id]
	if !ok {
		return ErrOwnerNotFound
	}
	o.APIKeyHash = newKeyHash
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateOwner(_ context.Context, owner *Owner) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.owners[owner.ID]
	if !ok {
		return ErrOwnerNotFound
	}
	owner.CreatedAt = cur.CreatedAt
	owner.UpdatedAt = time.Now()
	cp := *owner
	m.owners[owner.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.ID]; exists {
		return ErrAgentExists
	}
	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	if agent.Status == "" {
		agent.Status = AgentActive
	}
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAgentByKeyHash(_ context.Context, keyHash string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.agents {
		if a.APIKeyHash == keyHash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (m *MemoryStore) ListAgentsByOwner(_ context.Context, ownerID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Agent
	for _, a := range m.agents {
		if a.OwnerID == ownerID {
			cp := *a
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

func (m *MemoryStore) UpdateAgentStatus(_ context.Context, id string, status AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.agents[agent.ID]
	if !ok {
		return ErrAgentNotFound
	}
	agent.CreatedAt = cur.CreatedAt
	agent.UpdatedAt = time.Now()
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *MemoryStore) CreateGroup(_ context.Context, group *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	group.CreatedAt = now
	group.UpdatedAt = now
	cp := *group
	cp.AgentIDs = append([]string(nil), group.AgentIDs...)
	m.groups[group.ID] = &cp
	return nil
}

func (m *MemoryStore) GetGroup(_ context.Context, id string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	cp := *g
	cp.AgentIDs = append([]string(nil), g.AgentIDs...)
	return &cp, nil
}

func (m *MemoryStore) ListGroupsByOwner(_ context.Context, ownerID string) ([]*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []*Group
	for _, g := range m.groups {
		if g.OwnerID == ownerID {
			cp := *g
			cp.AgentIDs = append([]string(nil), g.AgentIDs...)
			results = append(results, &cp)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

func (m *MemoryStore) UpdateGroup(_ context.Context, group *Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.groups[group.ID]
	if !ok {
		return ErrGroupNotFound
	}
	group.CreatedAt = cur.CreatedAt
	group.UpdatedAt = time.Now()
	cp := *group
	cp.AgentIDs = append([]string(nil), group.AgentIDs...)
	m.groups[group.ID] = &cp
	return nil
}

func (m *MemoryStore) DeleteGroup(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[id]; !ok {
		return ErrGroupNotFound
	}
	delete(m.groups, id)
	return nil
}
