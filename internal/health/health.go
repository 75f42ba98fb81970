// Package health aggregates liveness probes for the subsystems a running
// node depends on. The readiness endpoint runs every registered probe and
// reports degraded as soon as any one of them fails.
package health

import (
	"context"
	"sync"
)

// Status is one subsystem's probe result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single subsystem. It should honor ctx deadlines so a
// hung dependency cannot stall the readiness endpoint.
type Checker func(ctx context.Context) Status

// Registry is an ordered set of named probes. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

type probe struct {
	name  string
	check Checker
}

// NewRegistry returns an empty registry. With no probes registered,
// CheckAll reports healthy.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a probe. Probes run in registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes = append(r.probes, probe{name: name, check: check})
}

// CheckAll runs every probe and reports whether all passed, along with
// the per-subsystem results. Probes registered mid-check are picked up
// on the next call.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	probes := append([]probe(nil), r.probes...)
	r.mu.RUnlock()

	all := true
	statuses := make([]Status, 0, len(probes))
	for _, p := range probes {
		st := p.check(ctx)
		if !st.Healthy {
			all = false
		}
		statuses = append(statuses, st)
	}
	return all, statuses
}
