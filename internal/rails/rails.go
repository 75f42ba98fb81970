// Package rails moves settled funds over external payment networks.
//
// A rail is an execution backend, not a policy surface: every spend is
// admitted first, and only Completed transactions reach a rail. Rails
// report success or failure back to the ledger; they never veto.
package rails

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownRail = errors.New("rails: unknown rail")
	ErrNoAccount   = errors.New("rails: agent has no account on this rail")
	ErrSendFailed  = errors.New("rails: send failed")
)

var sendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentwallet",
	Subsystem: "rails",
	Name:      "sends_total",
	Help:      "Rail send attempts by rail and outcome.",
}, []string{"rail", "outcome"})

func init() {
	prometheus.MustRegister(sendsTotal)
}

// SendRequest describes an admitted spend to execute on a rail.
type SendRequest struct {
	AgentID     string
	AccountRef  string
	Destination string
	Amount      decimal.Decimal
	Reference   string // ledger transaction id, for reconciliation
}

// SendResult reports the rail-side outcome.
type SendResult struct {
	RailTxID string
	Success  bool
	Reason   string
}

// Rail executes transfers on one payment network.
type Rail interface {
	Name() string
	CreateAccount(ctx context.Context, agentID string) (string, error)
	Send(ctx context.Context, req SendRequest) (*SendResult, error)
	Balance(ctx context.Context, accountRef string) (decimal.Decimal, error)
}

// Registry holds the configured rails by name.
type Registry struct {
	mu    sync.RWMutex
	rails map[string]Rail
}

// NewRegistry creates an empty rail registry.
func NewRegistry() *Registry {
	return &Registry{rails: make(map[string]Rail)}
}

// Register adds a rail under its name.
func (r *Registry) Register(rail Rail) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rails[rail.Name()] = rail
}

// Get returns the named rail.
func (r *Registry) Get(name string) (Rail, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rail, ok := r.rails[name]
	if !ok {
		return nil, ErrUnknownRail
	}
	return rail, nil
}

// Names lists registered rail names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rails))
	for name := range r.rails {
		names = append(names, name)
	}
	return names
}

func observeSend(rail string, res *SendResult, err error) {
	switch {
	case err != nil:
		sendsTotal.WithLabelValues(rail, "error").Inc()
	case res != nil && res.Success:
		sendsTotal.WithLabelValues(rail, "success").Inc()
	default:
		sendsTotal.WithLabelValues(rail, "failed").Inc()
	}
}
