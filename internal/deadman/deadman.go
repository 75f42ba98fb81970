// Package deadman watches agent liveness and behavior. It enforces
// heartbeat deadlines, transaction velocity, vendor diversity, and
// spend anomaly detection, escalating through a ladder of actions:
// alert < throttle < freeze < terminate.
package deadman

import (
	"context"
	"errors"
	"time"
)

var (
	ErrConfigNotFound = errors.New("deadman: config not found")
	ErrAgentFrozen    = errors.New("deadman: agent is frozen")
	ErrVelocity       = errors.New("deadman: transaction velocity exceeded")
	ErrAnomalyBlocked = errors.New("deadman: blocked by anomaly action")
	ErrInvalidAction  = errors.New("deadman: unknown action")
)

// Actions, ordered by severity.
const (
	ActionAlert     = "alert"
	ActionThrottle  = "throttle"
	ActionFreeze    = "freeze"
	ActionTerminate = "terminate"
)

// Trigger kinds recorded on events.
const (
	TriggerMissedHeartbeat = "missed_heartbeat"
	TriggerVelocity        = "velocity"
	TriggerVendorDiversity = "vendor_diversity"
	TriggerSpendAnomaly    = "spend_anomaly"
	TriggerManual          = "manual"
	TriggerRecovery        = "recovery"
)

var actionSeverity = map[string]int{
	ActionAlert:     0,
	ActionThrottle:  1,
	ActionFreeze:    2,
	ActionTerminate: 3,
}

// ValidAction reports whether the name is a known ladder action.
func ValidAction(a string) bool {
	_, ok := actionSeverity[a]
	return ok
}

// blocksSpend reports whether an action severe enough to stop the
// triggering transaction fired.
func blocksSpend(action string) bool {
	return actionSeverity[action] >= actionSeverity[ActionFreeze]
}

// Config is the per-agent dead-man configuration.
type Config struct {
	AgentID                  string    `json:"agentId"`
	HeartbeatIntervalSeconds int       `json:"heartbeatIntervalSeconds"`
	MissedHeartbeatThreshold int       `json:"missedHeartbeatThreshold"`
	AnomalyWindowMinutes     int       `json:"anomalyWindowMinutes"`
	AnomalySpendMultiplier   float64   `json:"anomalySpendMultiplier"`
	MaxTxPerMinute           int       `json:"maxTxPerMinute"`
	MaxUniqueVendorsPerHour  int       `json:"maxUniqueVendorsPerHour"`
	OnAnomaly                string    `json:"onAnomaly"`
	OnMissedHeartbeat        string    `json:"onMissedHeartbeat"`
	OnManualTrigger          string    `json:"onManualTrigger"`
	CascadeToChildren        bool      `json:"cascadeToChildren"`
	RecoveryRequiresHuman    bool      `json:"recoveryRequiresHuman"`
	CreatedAt                time.Time `json:"createdAt"`
	UpdatedAt                time.Time `json:"updatedAt"`
}

// DefaultConfig returns the default dead-man settings for an agent.
func DefaultConfig(agentID string) *Config {
	return &Config{
		AgentID:                  agentID,
		HeartbeatIntervalSeconds: 300,
		MissedHeartbeatThreshold: 3,
		AnomalyWindowMinutes:     60,
		AnomalySpendMultiplier:   3.0,
		MaxTxPerMinute:           10,
		MaxUniqueVendorsPerHour:  20,
		OnAnomaly:                ActionAlert,
		OnMissedHeartbeat:        ActionFreeze,
		OnManualTrigger:          ActionFreeze,
		CascadeToChildren:        true,
		RecoveryRequiresHuman:    true,
	}
}

// Validate checks the ladder actions and thresholds.
func (c *Config) Validate() error {
	for _, a := range []string{c.OnAnomaly, c.OnMissedHeartbeat, c.OnManualTrigger} {
		if !ValidAction(a) {
			return ErrInvalidAction
		}
	}
	if c.HeartbeatIntervalSeconds <= 0 || c.MissedHeartbeatThreshold <= 0 {
		return errors.New("deadman: heartbeat interval and threshold must be positive")
	}
	if c.AnomalyWindowMinutes <= 0 || c.AnomalySpendMultiplier <= 0 {
		return errors.New("deadman: anomaly window and multiplier must be positive")
	}
	if c.MaxTxPerMinute <= 0 || c.MaxUniqueVendorsPerHour <= 0 {
		return errors.New("deadman: velocity and vendor limits must be positive")
	}
	return nil
}

// Deadline is the instant after which the agent is considered dead:
// lastBeat + interval * threshold. Exactly at the deadline does not
// trigger.
func (c *Config) Deadline(lastBeat time.Time) time.Time {
	return lastBeat.Add(time.Duration(c.HeartbeatIntervalSeconds*c.MissedHeartbeatThreshold) * time.Second)
}

// Event is an append-only record of a dead-man trigger or recovery.
// CascadedTo lists the agent ids frozen or terminated as a consequence
// of the trigger, beyond the triggering agent itself. Resolved marks
// recovery events.
type Event struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	Trigger    string    `json:"trigger"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	CascadedTo []string  `json:"cascadedTo,omitempty"`
	Resolved   bool      `json:"resolved"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ConfigStore persists per-agent configs.
type ConfigStore interface {
	Upsert(ctx context.Context, c *Config) error
	Get(ctx context.Context, agentID string) (*Config, error)
}

// EventStore persists the trigger history.
type EventStore interface {
	Append(ctx context.Context, e *Event) error
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*Event, error)
}
