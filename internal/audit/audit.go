// Package audit implements the append-only governance audit trail.
// Every admission decision and state transition produces exactly one
// entry; entries are never updated.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/agentwallet/internal/idgen"
)

var ErrEntryNotFound = errors.New("audit: entry not found")

// Decision classifies an audited outcome.
type Decision string

const (
	DecisionAllowed   Decision = "allowed"
	DecisionBlocked   Decision = "blocked"
	DecisionEscalated Decision = "escalated"
	DecisionSystem    Decision = "system"
)

// Entry is a single audit record.
type Entry struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agentId"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resourceId"`
	Decision   Decision  `json:"decision"`
	Reasoning  string    `json:"reasoning,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query filters audit reads.
type Query struct {
	AgentID  string
	Action   string
	Decision Decision
	From     time.Time
	To       time.Time
	Limit    int
}

// Summary aggregates an agent's audit activity.
type Summary struct {
	AgentID    string           `json:"agentId"`
	Total      int              `json:"total"`
	ByDecision map[Decision]int `json:"byDecision"`
	ByAction   map[string]int   `json:"byAction"`
	From       time.Time        `json:"from"`
	To         time.Time        `json:"to"`
}

// Store persists audit entries.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, q Query) ([]*Entry, error)
}

// Recorder writes audit entries. Append failures are logged, never
// propagated: governance decisions must not fail on audit I/O.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Record appends one entry, assigning id and timestamp.
func (r *Recorder) Record(ctx context.Context, agentID, action, resource, resourceID string, decision Decision, reasoning string) {
	entry := &Entry{
		ID:         idgen.WithPrefix("aud_"),
		AgentID:    agentID,
		Action:     action,
		Resource:   resource,
		ResourceID: resourceID,
		Decision:   decision,
		Reasoning:  reasoning,
		CreatedAt:  time.Now(),
	}
	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.Error("audit append failed",
			"action", action,
			"resource", resource,
			"resource_id", resourceID,
			"error", err,
		)
	}
}

// RecordJSON is Record with structured reasoning marshalled to JSON.
func (r *Recorder) RecordJSON(ctx context.Context, agentID, action, resource, resourceID string, decision Decision, reasoning interface{}) {
	data, err := json.Marshal(reasoning)
	if err != nil {
		r.logger.Error("audit reasoning marshal failed", "action", action, "error", err)
		data = []byte("{}")
	}
	r.Record(ctx, agentID, action, resource, resourceID, decision, string(data))
}

// List reads entries matching the query, newest first.
func (r *Recorder) List(ctx context.Context, q Query) ([]*Entry, error) {
	return r.store.List(ctx, q)
}

// Summarize aggregates entries for an agent in [from, to].
func (r *Recorder) Summarize(ctx context.Context, agentID string, from, to time.Time) (*Summary, error) {
	entries, err := r.store.List(ctx, Query{AgentID: agentID, From: from, To: to, Limit: 10000})
	if err != nil {
		return nil, err
	}
	s := &Summary{
		AgentID:    agentID,
		ByDecision: make(map[Decision]int),
		ByAction:   make(map[string]int),
		From:       from,
		To:         to,
	}
	for _, e := range entries {
		s.Total++
		s.ByDecision[e.Decision]++
		s.ByAction[e.Action]++
	}
	return s, nil
}
