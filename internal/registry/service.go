package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mbd888/agentwallet/internal/auth"
	"github.com/mbd888/agentwallet/internal/idgen"
)

// Service implements registration, credential issuance and lifecycle
// transitions on top of a Store. Raw API keys are returned exactly once
// at creation or rotation; only hashes are persisted.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a registry service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Store exposes the underlying store for wiring (auth resolver, handlers).
func (s *Service) Store() Store { return s.store }

// RegisterOwner creates an owner and issues its bearer key.
func (s *Service) RegisterOwner(ctx context.Context, name, email, webhookURL string) (*Owner, string, error) {
	rawKey, keyHash, err := auth.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	owner := &Owner{
		ID:         idgen.WithPrefix("own_"),
		Name:       name,
		Email:      email,
		APIKeyHash: keyHash,
		WebhookURL: webhookURL,
	}
	if err := s.store.CreateOwner(ctx, owner); err != nil {
		return nil, "", err
	}
	s.logger.Info("owner registered", "owner", owner.ID, "name", owner.Name)
	return owner, rawKey, nil
}

// RotateOwnerKey replaces an owner's credential and returns the new raw
// key. The old key stops resolving immediately.
func (s *Service) RotateOwnerKey(ctx context.Context, ownerID string) (string, error) {
	rawKey, keyHash, err := auth.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	if err := s.store.RotateOwnerKey(ctx, ownerID, keyHash); err != nil {
		return "", err
	}
	s.logger.Info("owner key rotated", "owner", ownerID)
	return rawKey, nil
}

// RegisterAgent creates an agent under an owner and issues the agent's
// bearer key. New agents start Active.
func (s *Service) RegisterAgent(ctx context.Context, ownerID, name string, metadata map[string]interface{}) (*Agent, string, error) {
	if _, err := s.store.GetOwner(ctx, ownerID); err != nil {
		return nil, "", err
	}
	rawKey, keyHash, err := auth.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	agent := &Agent{
		ID:         idgen.WithPrefix("agt_"),
		OwnerID:    ownerID,
		Name:       name,
		Status:     AgentActive,
		APIKeyHash: keyHash,
		Metadata:   metadata,
	}
	if err := s.store.CreateAgent(ctx, agent); err != nil {
		return nil, "", err
	}
	s.logger.Info("agent registered", "agent", agent.ID, "owner", ownerID, "name", name)
	return agent, rawKey, nil
}

// RotateAgentKey replaces an agent's credential and returns the new raw key.
func (s *Service) RotateAgentKey(ctx context.Context, agentID string) (string, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	if agent.Status.Terminal() {
		return "", ErrTerminalStatus
	}
	rawKey, keyHash, err := auth.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	agent.APIKeyHash = keyHash
	if err := s.store.UpdateAgent(ctx, agent); err != nil {
		return "", err
	}
	s.logger.Info("agent key rotated", "agent", agentID)
	return rawKey, nil
}

// SetAgentStatus moves an agent to the given lifecycle state, enforcing
// transition rules. Terminal states reject everything.
func (s *Service) SetAgentStatus(ctx context.Context, agentID string, to AgentStatus) (*Agent, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminalStatus, agent.Status)
	}
	if !CanTransition(agent.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBadTransition, agent.Status, to)
	}
	if err := s.store.UpdateAgentStatus(ctx, agentID, to); err != nil {
		return nil, err
	}
	agent.Status = to
	s.logger.Info("agent status changed", "agent", agentID, "status", to)
	return agent, nil
}

// Pause suspends spending without destroying anything.
func (s *Service) Pause(ctx context.Context, agentID string) (*Agent, error) {
	return s.SetAgentStatus(ctx, agentID, AgentPaused)
}

// Activate resets a non-terminal agent to Active.
func (s *Service) Activate(ctx context.Context, agentID string) (*Agent, error) {
	return s.SetAgentStatus(ctx, agentID, AgentActive)
}

// Suspend marks an agent suspended pending investigation.
func (s *Service) Suspend(ctx context.Context, agentID string) (*Agent, error) {
	return s.SetAgentStatus(ctx, agentID, AgentSuspended)
}

// Terminate retires an agent permanently.
func (s *Service) Terminate(ctx context.Context, agentID string) (*Agent, error) {
	return s.SetAgentStatus(ctx, agentID, AgentTerminated)
}

// CreateGroup creates a named agent set for policy targeting. Every
// member must exist and belong to the owner.
func (s *Service) CreateGroup(ctx context.Context, ownerID, name string, agentIDs []string) (*Group, error) {
	for _, id := range agentIDs {
		agent, err := s.store.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		if agent.OwnerID != ownerID {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
	}
	group := &Group{
		ID:       idgen.WithPrefix("grp_"),
		OwnerID:  ownerID,
		Name:     name,
		AgentIDs: agentIDs,
	}
	if err := s.store.CreateGroup(ctx, group); err != nil {
		return nil, err
	}
	return group, nil
}

// UpdateGroupMembers replaces a group's membership.
func (s *Service) UpdateGroupMembers(ctx context.Context, groupID string, agentIDs []string) (*Group, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	for _, id := range agentIDs {
		agent, err := s.store.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		if agent.OwnerID != group.OwnerID {
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
		}
	}
	group.AgentIDs = agentIDs
	if err := s.store.UpdateGroup(ctx, group); err != nil {
		return nil, err
	}
	return group, nil
}
