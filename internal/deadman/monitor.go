package deadman

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/mbd888/agentwallet/internal/audit"
	"github.com/mbd888/agentwallet/internal/idgen"
	"github.com/mbd888/agentwallet/internal/money"
)

var triggersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentwallet",
	Subsystem: "deadman",
	Name:      "triggers_total",
	Help:      "Total dead-man triggers by trigger kind and applied action.",
}, []string{"trigger", "action"})

func init() {
	prometheus.MustRegister(triggersTotal)
}

// LedgerReader supplies the per-agent aggregates anomaly detection
// needs. The ledger stores satisfy it.
type LedgerReader interface {
	AgentSpendBetween(ctx context.Context, agentID string, from, to time.Time) (decimal.Decimal, error)
	AgentVendorsSince(ctx context.Context, agentID string, since time.Time) ([]string, error)
}

// Actions is the ladder's side-effect surface. The server wires an
// implementation over the rules, registry, and lineage services; the
// monitor never imports them directly. Freeze and Terminate return the
// ids of the agents cascaded to beyond the triggering agent, so the
// event log can name them.
type Actions interface {
	Alert(ctx context.Context, agentID, trigger, detail string)
	Throttle(ctx context.Context, agentID string) error
	Freeze(ctx context.Context, agentID string, cascade bool) ([]string, error)
	Terminate(ctx context.Context, agentID string, cascade bool) ([]string, error)
}

// Monitor tracks heartbeats and evaluates behavioral gates. Heartbeat
// and velocity state is in-process and best-effort: a restart loses
// pending deadlines until the next heartbeat re-arms them.
type Monitor struct {
	configs  ConfigStore
	events   EventStore
	reader   LedgerReader
	actions  Actions
	recorder *audit.Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.Mutex
	heartbeats map[string]time.Time
	frozen     map[string]struct{}
	txTimes    map[string][]time.Time

	sweepEvery time.Duration
	done       chan struct{}
	stopOnce   sync.Once
}

// MonitorOption configures the Monitor.
type MonitorOption func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = logger }
}

// WithClock overrides the monitor clock (for tests).
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// WithSweepInterval overrides the sweep cadence (for tests).
func WithSweepInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) { m.sweepEvery = d }
}

// WithRecorder sets the audit recorder for trigger and recovery entries.
func WithRecorder(recorder *audit.Recorder) MonitorOption {
	return func(m *Monitor) { m.recorder = recorder }
}

// NewMonitor creates a dead-man monitor.
func NewMonitor(configs ConfigStore, events EventStore, reader LedgerReader, actions Actions, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		configs:    configs,
		events:     events,
		reader:     reader,
		actions:    actions,
		logger:     slog.Default(),
		now:        time.Now,
		heartbeats: make(map[string]time.Time),
		frozen:     make(map[string]struct{}),
		txTimes:    make(map[string][]time.Time),
		sweepEvery: 10 * time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetConfig validates and stores an agent's configuration.
func (m *Monitor) SetConfig(ctx context.Context, c *Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return m.configs.Upsert(ctx, c)
}

// GetConfig returns the agent's configuration, falling back to
// defaults when none has been stored.
func (m *Monitor) GetConfig(ctx context.Context, agentID string) (*Config, error) {
	c, err := m.configs.Get(ctx, agentID)
	if errors.Is(err, ErrConfigNotFound) {
		return DefaultConfig(agentID), nil
	}
	return c, err
}

// Events returns the agent's trigger history.
func (m *Monitor) Events(ctx context.Context, agentID string, limit int) ([]*Event, error) {
	return m.events.ListByAgent(ctx, agentID, limit)
}

// Frozen reports whether the monitor is holding the agent frozen.
func (m *Monitor) Frozen(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.frozen[agentID]
	return ok
}

// Heartbeat records a liveness signal. For a frozen agent whose config
// requires human recovery it returns active=false, a cease directive:
// the agent must stop and wait for an operator. Otherwise it returns
// the deadline for the next beat.
func (m *Monitor) Heartbeat(ctx context.Context, agentID string) (next time.Time, active bool, err error) {
	cfg, err := m.GetConfig(ctx, agentID)
	if err != nil {
		return time.Time{}, false, err
	}
	now := m.now()

	m.mu.Lock()
	if _, isFrozen := m.frozen[agentID]; isFrozen {
		if cfg.RecoveryRequiresHuman {
			m.mu.Unlock()
			return time.Time{}, false, nil
		}
		delete(m.frozen, agentID)
		m.mu.Unlock()
		m.record(ctx, agentID, TriggerRecovery, ActionAlert, "automatic recovery on heartbeat", nil, true)
		m.mu.Lock()
	}
	m.heartbeats[agentID] = now
	m.mu.Unlock()

	return now.Add(time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second), true, nil
}

// Evaluate runs the behavioral gates for a candidate spend. Velocity
// and vendor-diversity breaches always block. Spend-anomaly breaches
// apply the configured onAnomaly action and block only when that
// action is freeze or terminate.
func (m *Monitor) Evaluate(ctx context.Context, agentID string, amount decimal.Decimal, vendor string) error {
	cfg, err := m.GetConfig(ctx, agentID)
	if err != nil {
		return err
	}
	now := m.now()

	m.mu.Lock()
	if _, isFrozen := m.frozen[agentID]; isFrozen {
		m.mu.Unlock()
		return ErrAgentFrozen
	}

	// Velocity: count admissions in the trailing minute.
	recent := m.txTimes[agentID][:0]
	for _, t := range m.txTimes[agentID] {
		if now.Sub(t) < time.Minute {
			recent = append(recent, t)
		}
	}
	if len(recent) >= cfg.MaxTxPerMinute {
		m.txTimes[agentID] = recent
		m.mu.Unlock()
		m.apply(ctx, cfg, TriggerVelocity,
			fmt.Sprintf("%d transactions in the last minute, limit %d", len(recent), cfg.MaxTxPerMinute))
		return ErrVelocity
	}
	m.txTimes[agentID] = append(recent, now)
	m.mu.Unlock()

	if vendor != "" {
		vendors, err := m.reader.AgentVendorsSince(ctx, agentID, now.Add(-time.Hour))
		if err != nil {
			return fmt.Errorf("deadman: vendor lookup: %w", err)
		}
		if !containsString(vendors, vendor) && len(vendors) >= cfg.MaxUniqueVendorsPerHour {
			m.apply(ctx, cfg, TriggerVendorDiversity,
				fmt.Sprintf("vendor %q would be the %dth unique vendor this hour, limit %d",
					vendor, len(vendors)+1, cfg.MaxUniqueVendorsPerHour))
			return ErrAnomalyBlocked
		}
	}

	return m.checkSpendAnomaly(ctx, cfg, agentID, amount, now)
}

// checkSpendAnomaly compares the current window's spend (including the
// candidate) against the mean of up to seven preceding non-empty equal
// windows.
func (m *Monitor) checkSpendAnomaly(ctx context.Context, cfg *Config, agentID string, amount decimal.Decimal, now time.Time) error {
	window := time.Duration(cfg.AnomalyWindowMinutes) * time.Minute
	current, err := m.reader.AgentSpendBetween(ctx, agentID, now.Add(-window), now)
	if err != nil {
		return fmt.Errorf("deadman: spend lookup: %w", err)
	}
	current = current.Add(amount)

	baseline := decimal.Zero
	samples := 0
	for i := 1; i <= 7; i++ {
		from := now.Add(-time.Duration(i+1) * window)
		to := now.Add(-time.Duration(i) * window)
		spent, err := m.reader.AgentSpendBetween(ctx, agentID, from, to)
		if err != nil {
			return fmt.Errorf("deadman: baseline lookup: %w", err)
		}
		if spent.IsPositive() {
			baseline = baseline.Add(spent)
			samples++
		}
	}
	if samples == 0 {
		return nil
	}
	mean := baseline.Div(decimal.NewFromInt(int64(samples)))
	ceiling := mean.Mul(decimal.NewFromFloat(cfg.AnomalySpendMultiplier))
	if current.GreaterThan(ceiling) {
		action := m.apply(ctx, cfg, TriggerSpendAnomaly,
			fmt.Sprintf("window spend %s exceeds %.1fx baseline %s",
				money.Format(current), cfg.AnomalySpendMultiplier, money.Format(mean)))
		if blocksSpend(action) {
			return ErrAnomalyBlocked
		}
	}
	return nil
}

// ManualTrigger applies the configured manual action immediately.
func (m *Monitor) ManualTrigger(ctx context.Context, agentID, reason string) (string, error) {
	cfg, err := m.GetConfig(ctx, agentID)
	if err != nil {
		return "", err
	}
	detail := "manual trigger"
	if reason != "" {
		detail = "manual trigger: " + reason
	}
	return m.apply(ctx, cfg, TriggerManual, detail), nil
}

// Recover is the operator unfreeze path.
func (m *Monitor) Recover(ctx context.Context, agentID, operator string) error {
	m.mu.Lock()
	_, isFrozen := m.frozen[agentID]
	delete(m.frozen, agentID)
	m.mu.Unlock()
	if !isFrozen {
		return nil
	}
	m.record(ctx, agentID, TriggerRecovery, ActionAlert, "recovered by "+operator, nil, true)
	if m.recorder != nil {
		m.recorder.Record(ctx, agentID, "deadman.recover", "agent", agentID,
			audit.DecisionSystem, "recovered by "+operator)
	}
	return nil
}

// apply executes the action and then records the trigger, so the event
// can name the agents the action cascaded to. It returns the action
// applied. Action side effects are best-effort: failures are logged,
// never propagated, so a notification outage cannot stall an admission
// verdict.
func (m *Monitor) apply(ctx context.Context, cfg *Config, trigger, detail string) string {
	action := cfg.OnAnomaly
	switch trigger {
	case TriggerMissedHeartbeat:
		action = cfg.OnMissedHeartbeat
	case TriggerManual:
		action = cfg.OnManualTrigger
	}

	var cascaded []string
	var err error
	switch action {
	case ActionAlert:
		m.actions.Alert(ctx, cfg.AgentID, trigger, detail)
	case ActionThrottle:
		err = m.actions.Throttle(ctx, cfg.AgentID)
	case ActionFreeze:
		m.freeze(cfg.AgentID)
		cascaded, err = m.actions.Freeze(ctx, cfg.AgentID, cfg.CascadeToChildren)
	case ActionTerminate:
		m.freeze(cfg.AgentID)
		cascaded, err = m.actions.Terminate(ctx, cfg.AgentID, cfg.CascadeToChildren)
	}
	if err != nil {
		m.logger.Error("dead-man action failed",
			"agent", cfg.AgentID, "action", action, "error", err)
	}

	m.record(ctx, cfg.AgentID, trigger, action, detail, cascaded, false)
	triggersTotal.WithLabelValues(trigger, action).Inc()
	m.logger.Warn("dead-man trigger",
		"agent", cfg.AgentID, "trigger", trigger, "action", action, "detail", detail)
	if m.recorder != nil {
		m.recorder.Record(ctx, cfg.AgentID, "deadman.trigger", "agent", cfg.AgentID,
			audit.DecisionSystem, fmt.Sprintf("%s: %s, action %s", trigger, detail, action))
	}
	return action
}

func (m *Monitor) freeze(agentID string) {
	m.mu.Lock()
	m.frozen[agentID] = struct{}{}
	m.mu.Unlock()
}

func (m *Monitor) record(ctx context.Context, agentID, trigger, action, detail string, cascaded []string, resolved bool) {
	e := &Event{
		ID:         idgen.WithPrefix("evt_"),
		AgentID:    agentID,
		Trigger:    trigger,
		Action:     action,
		Detail:     detail,
		CascadedTo: cascaded,
		Resolved:   resolved,
	}
	if err := m.events.Append(ctx, e); err != nil {
		m.logger.Error("dead-man event append failed", "agent", agentID, "error", err)
	}
}

// Start launches the sweep loop. It stops when ctx is cancelled or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}()
}

// Stop halts the sweep loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

// Sweep checks every tracked heartbeat against its deadline and fires
// the missed-heartbeat action for agents strictly past it. The
// heartbeat entry is dropped on trigger so one missed deadline fires
// exactly once; the next heartbeat re-arms the watch.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	snapshot := make(map[string]time.Time, len(m.heartbeats))
	for id, last := range m.heartbeats {
		snapshot[id] = last
	}
	m.mu.Unlock()

	for agentID, last := range snapshot {
		cfg, err := m.GetConfig(ctx, agentID)
		if err != nil {
			m.logger.Error("dead-man sweep config load failed", "agent", agentID, "error", err)
			continue
		}
		deadline := cfg.Deadline(last)
		if !now.After(deadline) {
			continue
		}
		m.mu.Lock()
		// Re-check under lock: a heartbeat may have landed mid-sweep.
		if cur, ok := m.heartbeats[agentID]; !ok || !cur.Equal(last) {
			m.mu.Unlock()
			continue
		}
		delete(m.heartbeats, agentID)
		m.mu.Unlock()

		m.apply(ctx, cfg, TriggerMissedHeartbeat,
			fmt.Sprintf("no heartbeat since %s, deadline %s", last.Format(time.RFC3339), deadline.Format(time.RFC3339)))
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
