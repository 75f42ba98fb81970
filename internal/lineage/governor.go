package lineage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/agentwallet/internal/audit"
	"github.com/mbd888/agentwallet/internal/idgen"
	"github.com/mbd888/agentwallet/internal/registry"
)

// AgentDirectory is the slice of the registry the governor needs.
// registry.Store satisfies it.
type AgentDirectory interface {
	GetAgent(ctx context.Context, id string) (*registry.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status registry.AgentStatus) error
}

// Governor admits spawn requests and manages the lineage tree.
type Governor struct {
	store    Store
	agents   AgentDirectory
	recorder *audit.Recorder
	logger   *slog.Logger
}

// GovernorOption configures the Governor.
type GovernorOption func(*Governor)

// WithLogger sets the governor logger.
func WithLogger(logger *slog.Logger) GovernorOption {
	return func(g *Governor) { g.logger = logger }
}

// WithRecorder sets the audit recorder for spawn and terminate entries.
func WithRecorder(recorder *audit.Recorder) GovernorOption {
	return func(g *Governor) { g.recorder = recorder }
}

// NewGovernor creates a spawn governor.
func NewGovernor(store Store, agents AgentDirectory, opts ...GovernorOption) *Governor {
	g := &Governor{store: store, agents: agents, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Get returns an agent's lineage.
func (g *Governor) Get(ctx context.Context, agentID string) (*Lineage, error) {
	return g.store.Get(ctx, agentID)
}

// Events returns the agent's spawn history.
func (g *Governor) Events(ctx context.Context, agentID string, limit int) ([]*SpawnEvent, error) {
	return g.store.ListEvents(ctx, agentID, limit)
}

// Spawn admits a child-agent creation under the parent's policy and
// records the new lineage node atomically.
func (g *Governor) Spawn(ctx context.Context, parentID, childID string, overrides *Overrides) (*Lineage, error) {
	parentAgent, err := g.agents.GetAgent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parentAgent.Status != registry.AgentActive {
		return nil, fmt.Errorf("%w: status %s", ErrParentNotActive, parentAgent.Status)
	}

	parent, err := g.store.Get(ctx, parentID)
	if errors.Is(err, ErrLineageNotFound) {
		parent = &Lineage{
			AgentID: parentID,
			RootID:  parentID,
			Depth:   0,
			Status:  StatusActive,
			Policy:  DefaultPolicy(),
		}
		if err := g.store.Create(ctx, parent); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}
	if parent.Status == StatusTerminated {
		return nil, ErrTerminated
	}

	policy := parent.Policy
	switch {
	case parent.Depth >= policy.MaxSpawnDepth:
		return nil, fmt.Errorf("%w: depth %d, max %d", ErrDepthExceeded, parent.Depth, policy.MaxSpawnDepth)
	case len(parent.ChildrenIDs) >= policy.MaxChildren:
		return nil, fmt.Errorf("%w: %d children, max %d", ErrTooManyChildren, len(parent.ChildrenIDs), policy.MaxChildren)
	case parent.Depth > 0 && !policy.ChildrenCanSpawn:
		return nil, ErrSpawnForbidden
	}
	if _, err := g.store.Get(ctx, childID); err == nil {
		return nil, ErrChildExists
	} else if !errors.Is(err, ErrLineageNotFound) {
		return nil, err
	}

	child := &Lineage{
		AgentID:  childID,
		ParentID: parentID,
		RootID:   parent.RootID,
		Depth:    parent.Depth + 1,
		Status:   StatusActive,
		Policy:   Derive(policy, overrides),
	}
	event := &SpawnEvent{
		ID:              idgen.WithPrefix("spw_"),
		ParentID:        parentID,
		ChildID:         childID,
		Depth:           child.Depth,
		InheritedPolicy: child.Policy,
		Authorized:      true,
	}
	if err := g.store.CreateChild(ctx, parentID, child, event); err != nil {
		return nil, err
	}
	g.logger.Info("agent spawned",
		"parent", parentID, "child", childID, "depth", child.Depth, "root", child.RootID)
	if g.recorder != nil {
		g.recorder.Record(ctx, parentID, "agent.spawn", "agent", childID,
			audit.DecisionAllowed, fmt.Sprintf("spawned at depth %d under root %s", child.Depth, child.RootID))
	}
	return child, nil
}

// Descendants returns every agent id below the given node, depth-first.
func (g *Governor) Descendants(ctx context.Context, agentID string) ([]string, error) {
	l, err := g.store.Get(ctx, agentID)
	if errors.Is(err, ErrLineageNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, childID := range l.ChildrenIDs {
		out = append(out, childID)
		below, err := g.Descendants(ctx, childID)
		if err != nil {
			return nil, err
		}
		out = append(out, below...)
	}
	return out, nil
}

// Terminate marks the agent and, when cascade is set, its whole
// subtree Terminated. Termination is irreversible. Returns the agent
// ids affected.
func (g *Governor) Terminate(ctx context.Context, agentID string, cascade bool) ([]string, error) {
	targets := []string{agentID}
	if cascade {
		below, err := g.Descendants(ctx, agentID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, below...)
	}
	for _, id := range targets {
		if err := g.store.UpdateStatus(ctx, id, StatusTerminated); err != nil && !errors.Is(err, ErrLineageNotFound) {
			return nil, err
		}
		if err := g.agents.UpdateAgentStatus(ctx, id, registry.AgentTerminated); err != nil &&
			!errors.Is(err, registry.ErrAgentNotFound) && !errors.Is(err, registry.ErrTerminalStatus) {
			return nil, err
		}
	}
	g.logger.Warn("lineage terminated", "agent", agentID, "cascaded", len(targets)-1)
	if g.recorder != nil {
		g.recorder.Record(ctx, agentID, "agent.terminate", "agent", agentID,
			audit.DecisionSystem, fmt.Sprintf("terminated %d agents", len(targets)))
	}
	return targets, nil
}
