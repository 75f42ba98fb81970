// Package lineage governs agent spawning. Children inherit a policy
// that is never looser than the parent's, lineage forms a tree, and
// termination cascades depth-first.
package lineage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrLineageNotFound = errors.New("lineage: not found")
	ErrChildExists     = errors.New("lineage: child lineage already exists")
	ErrDepthExceeded   = errors.New("lineage: max spawn depth reached")
	ErrTooManyChildren = errors.New("lineage: max children reached")
	ErrSpawnForbidden  = errors.New("lineage: policy forbids spawning")
	ErrParentNotActive = errors.New("lineage: parent agent is not active")
	ErrTerminated      = errors.New("lineage: lineage is terminated")
)

// Lineage statuses.
const (
	StatusActive     = "active"
	StatusTerminated = "terminated"
)

// SpawnPolicy bounds what an agent's children may do. Zero monetary
// limits mean unlimited; a nil vendor list means unrestricted.
type SpawnPolicy struct {
	MaxSpendRatio       float64         `json:"maxSpendRatio"`
	MaxTransactionRatio float64         `json:"maxTransactionRatio"`
	MaxSpawnDepth       int             `json:"maxSpawnDepth"`
	MaxChildren         int             `json:"maxChildren"`
	ChildrenCanSpawn    bool            `json:"childrenCanSpawn"`
	DailySpendLimit     decimal.Decimal `json:"dailySpendLimit"`
	MaxPerTransaction   decimal.Decimal `json:"maxPerTransaction"`
	AllowedVendors      []string        `json:"allowedVendors,omitempty"`
}

// DefaultPolicy is the policy assumed for agents that never configured
// one.
func DefaultPolicy() SpawnPolicy {
	return SpawnPolicy{
		MaxSpendRatio:       1.0,
		MaxTransactionRatio: 1.0,
		MaxSpawnDepth:       3,
		MaxChildren:         10,
		ChildrenCanSpawn:    true,
	}
}

// Overrides are the spawn request's requested restrictions. Nil fields
// inherit from the parent; set fields can only tighten.
type Overrides struct {
	MaxSpendRatio       *float64         `json:"maxSpendRatio,omitempty"`
	MaxTransactionRatio *float64         `json:"maxTransactionRatio,omitempty"`
	MaxSpawnDepth       *int             `json:"maxSpawnDepth,omitempty"`
	MaxChildren         *int             `json:"maxChildren,omitempty"`
	ChildrenCanSpawn    *bool            `json:"childrenCanSpawn,omitempty"`
	DailySpendLimit     *decimal.Decimal `json:"dailySpendLimit,omitempty"`
	MaxPerTransaction   *decimal.Decimal `json:"maxPerTransaction,omitempty"`
	AllowedVendors      []string         `json:"allowedVendors,omitempty"`
}

// Derive computes the child policy from the parent's, applying the
// requested overrides. Overrides can only tighten: every numeric limit
// in the result is <= the parent's, ratios never grow, vendor lists
// intersect, and the spawn depth budget shrinks by one level.
func Derive(parent SpawnPolicy, overrides *Overrides) SpawnPolicy {
	child := SpawnPolicy{
		MaxSpendRatio:       parent.MaxSpendRatio,
		MaxTransactionRatio: parent.MaxTransactionRatio,
		MaxSpawnDepth:       parent.MaxSpawnDepth - 1,
		MaxChildren:         parent.MaxChildren,
		ChildrenCanSpawn:    parent.ChildrenCanSpawn,
		AllowedVendors:      append([]string(nil), parent.AllowedVendors...),
	}
	var overrideDaily, overridePerTx decimal.Decimal
	if overrides != nil {
		if r := overrides.MaxSpendRatio; r != nil && *r > 0 && *r < child.MaxSpendRatio {
			child.MaxSpendRatio = *r
		}
		if r := overrides.MaxTransactionRatio; r != nil && *r > 0 && *r < child.MaxTransactionRatio {
			child.MaxTransactionRatio = *r
		}
		if d := overrides.MaxSpawnDepth; d != nil && *d >= 0 && *d < child.MaxSpawnDepth {
			child.MaxSpawnDepth = *d
		}
		if c := overrides.MaxChildren; c != nil && *c >= 0 && *c < child.MaxChildren {
			child.MaxChildren = *c
		}
		if s := overrides.ChildrenCanSpawn; s != nil && !*s {
			child.ChildrenCanSpawn = false
		}
		if overrides.AllowedVendors != nil {
			child.AllowedVendors = intersectVendors(parent.AllowedVendors, overrides.AllowedVendors)
		}
		if overrides.DailySpendLimit != nil {
			overrideDaily = *overrides.DailySpendLimit
		}
		if overrides.MaxPerTransaction != nil {
			overridePerTx = *overrides.MaxPerTransaction
		}
	}
	if child.MaxSpawnDepth < 0 {
		child.MaxSpawnDepth = 0
	}

	child.DailySpendLimit = deriveLimit(parent.DailySpendLimit, child.MaxSpendRatio, overrideDaily)
	child.MaxPerTransaction = deriveLimit(parent.MaxPerTransaction, child.MaxTransactionRatio, overridePerTx)
	return child
}

// deriveLimit scales the parent limit by the ratio and takes the
// tighter of that and the override. A zero parent limit is unlimited,
// so only the override applies.
func deriveLimit(parent decimal.Decimal, ratio float64, override decimal.Decimal) decimal.Decimal {
	derived := decimal.Zero
	if parent.IsPositive() {
		derived = parent.Mul(decimal.NewFromFloat(ratio))
	}
	if override.IsPositive() && (derived.IsZero() || override.LessThan(derived)) {
		derived = override
	}
	return derived
}

// intersectVendors treats nil as unrestricted.
func intersectVendors(a, b []string) []string {
	if a == nil {
		return append([]string(nil), b...)
	}
	if b == nil {
		return append([]string(nil), a...)
	}
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := set[v]; ok {
			out = append(out, v)
		}
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// Lineage is one node of the spawn tree.
type Lineage struct {
	AgentID     string      `json:"agentId"`
	ParentID    string      `json:"parentId,omitempty"`
	RootID      string      `json:"rootId"`
	Depth       int         `json:"depth"`
	ChildrenIDs []string    `json:"childrenIds"`
	Status      string      `json:"status"`
	Policy      SpawnPolicy `json:"spawnPolicy"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// SpawnEvent is the append-only record of an authorized spawn.
type SpawnEvent struct {
	ID              string      `json:"id"`
	ParentID        string      `json:"parentId"`
	ChildID         string      `json:"childId"`
	Depth           int         `json:"depth"`
	InheritedPolicy SpawnPolicy `json:"inheritedPolicy"`
	Authorized      bool        `json:"authorized"`
	CreatedAt       time.Time   `json:"createdAt"`
}

// Store persists the lineage tree.
type Store interface {
	Create(ctx context.Context, l *Lineage) error
	Get(ctx context.Context, agentID string) (*Lineage, error)
	UpdateStatus(ctx context.Context, agentID, status string) error

	// CreateChild atomically creates the child row, appends childId to
	// the parent's children, and records the spawn event.
	CreateChild(ctx context.Context, parentID string, child *Lineage, event *SpawnEvent) error

	ListEvents(ctx context.Context, agentID string, limit int) ([]*SpawnEvent, error)
}
