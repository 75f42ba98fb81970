// Package registry implements owner and agent identity: registration,
// API credentials, agent lifecycle status, and agent groups.
package registry

import (
	"errors"
	"time"
)

var (
	ErrOwnerNotFound   = errors.New("registry: owner not found")
	ErrAgentNotFound   = errors.New("registry: agent not found")
	ErrAgentExists     = errors.New("registry: agent already exists")
	ErrGroupNotFound   = errors.New("registry: group not found")
	ErrBadTransition   = errors.New("registry: invalid status transition")
	ErrTerminalStatus  = errors.New("registry: agent is in a terminal state")
	ErrDuplicateAPIKey = errors.New("registry: api key already in use")
)

// AgentStatus is an agent's lifecycle state. Transitions move away from
// Active except by explicit operator reset; Terminated and Killed are
// terminal.
type AgentStatus string

const (
	AgentActive     AgentStatus = "active"
	AgentPaused     AgentStatus = "paused"
	AgentSuspended  AgentStatus = "suspended"
	AgentFrozen     AgentStatus = "frozen"
	AgentTerminated AgentStatus = "terminated"
	AgentKilled     AgentStatus = "killed"
)

// Terminal reports whether the status admits no further transitions.
func (s AgentStatus) Terminal() bool {
	return s == AgentTerminated || s == AgentKilled
}

// CanTransition reports whether from -> to is a legal status change.
// Any non-terminal state may be reset to Active by an operator; terminal
// states are absorbing.
func CanTransition(from, to AgentStatus) bool {
	if from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	return true
}

// Owner is a human (or organization) principal with full scope over its
// agents. The API key is opaque and stored only as a hash; rotation
// replaces it atomically.
type Owner struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	APIKeyHash string    `json:"-"`
	WebhookURL string    `json:"webhookUrl,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Agent is an autonomous principal whose spending is governed. An agent
// credential is scoped to the agent's own resources.
type Agent struct {
	ID         string                 `json:"id"`
	OwnerID    string                 `json:"ownerId"`
	Name       string                 `json:"name"`
	Status     AgentStatus            `json:"status"`
	APIKeyHash string                 `json:"-"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// Group is a named set of agents used as a cross-agent policy target.
type Group struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Name      string    `json:"name"`
	AgentIDs  []string  `json:"agentIds"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Contains reports whether the group includes the given agent.
func (g *Group) Contains(agentID string) bool {
	for _, id := range g.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}
