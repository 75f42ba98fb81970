package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/agentwallet/internal/audit"
	"github.com/mbd888/agentwallet/internal/idgen"
	"github.com/mbd888/agentwallet/internal/ledger"
	"github.com/mbd888/agentwallet/internal/money"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentwallet",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentwallet",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// OwnerResolver maps an agent to its owner for delivery routing.
type OwnerResolver interface {
	OwnerOfAgent(ctx context.Context, agentID string) (string, error)
}

// WalletReader resolves a wallet to its owning agent.
type WalletReader interface {
	GetWallet(ctx context.Context, id string) (*ledger.Wallet, error)
}

// Emitter wraps a Dispatcher to emit governance events across
// subsystems. All methods are fire-and-forget: errors are logged but
// never returned.
type Emitter struct {
	d       *Dispatcher
	owners  OwnerResolver
	wallets WalletReader
	logger  *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, owners OwnerResolver, wallets WalletReader, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, owners: owners, wallets: wallets, logger: logger}
}

func (e *Emitter) emit(agentID string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ownerID, err := e.owners.OwnerOfAgent(ctx, agentID)
	if err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook owner lookup failed", "event", eventType, "agent", agentID, "error", err)
		return
	}
	if err := e.d.DispatchToOwner(ctx, ownerID, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "owner", ownerID, "error", err)
	}
}

// TransactionDecided routes admission verdicts to the owning agent's
// webhooks. Satisfies the admission observer contract.
func (e *Emitter) TransactionDecided(tx *ledger.Transaction, decision audit.Decision, reason string) {
	if e == nil || e.d == nil || e.wallets == nil {
		return
	}
	var eventType EventType
	switch tx.Status {
	case ledger.TxCompleted:
		eventType = EventTxCompleted
	case ledger.TxAwaitingApproval:
		eventType = EventTxAwaitingApproval
	case ledger.TxKillSwitched:
		eventType = EventTxKillSwitched
	default:
		eventType = EventTxRejected
	}
	data := map[string]interface{}{
		"transactionId": tx.ID,
		"walletId":      tx.WalletID,
		"amount":        money.Format(tx.Amount),
		"status":        string(tx.Status),
		"decision":      string(decision),
	}
	if reason != "" {
		data["reason"] = reason
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := e.wallets.GetWallet(ctx, tx.WalletID)
	if err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook wallet lookup failed", "wallet", tx.WalletID, "error", err)
		return
	}
	data["agentId"] = w.AgentID
	e.emit(w.AgentID, eventType, data)
}

// EmitKillSwitchTripped emits a killswitch.tripped event.
func (e *Emitter) EmitKillSwitchTripped(agentID, walletID, switchID, kind, observed string) {
	e.emit(agentID, EventKillSwitchTripped, map[string]interface{}{
		"agentId":  agentID,
		"walletId": walletID,
		"switchId": switchID,
		"kind":     kind,
		"observed": observed,
	})
}

// EmitKillSwitchReset emits a killswitch.reset event.
func (e *Emitter) EmitKillSwitchReset(agentID, walletID, switchID, operator string) {
	e.emit(agentID, EventKillSwitchReset, map[string]interface{}{
		"agentId":  agentID,
		"walletId": walletID,
		"switchId": switchID,
		"operator": operator,
	})
}

// EmitDeadmanTriggered emits a deadman.triggered event.
func (e *Emitter) EmitDeadmanTriggered(agentID, trigger, action, detail string) {
	e.emit(agentID, EventDeadmanTriggered, map[string]interface{}{
		"agentId": agentID,
		"trigger": trigger,
		"action":  action,
		"detail":  detail,
	})
}

// EmitDeadmanRecovered emits a deadman.recovered event.
func (e *Emitter) EmitDeadmanRecovered(agentID, operator string) {
	e.emit(agentID, EventDeadmanRecovered, map[string]interface{}{
		"agentId":  agentID,
		"operator": operator,
	})
}

// EmitAgentSpawned emits an agent.spawned event.
func (e *Emitter) EmitAgentSpawned(parentID, childID string, depth int) {
	e.emit(parentID, EventAgentSpawned, map[string]interface{}{
		"agentId":  parentID,
		"parentId": parentID,
		"childId":  childID,
		"depth":    depth,
	})
}

// EmitAgentTerminated emits an agent.terminated event.
func (e *Emitter) EmitAgentTerminated(agentID, reason string, cascaded []string) {
	e.emit(agentID, EventAgentTerminated, map[string]interface{}{
		"agentId":  agentID,
		"reason":   reason,
		"cascaded": cascaded,
	})
}

// EmitDeposit emits a wallet.deposit event.
func (e *Emitter) EmitDeposit(agentID, walletID, amount string) {
	e.emit(agentID, EventWalletDeposit, map[string]interface{}{
		"agentId":  agentID,
		"walletId": walletID,
		"amount":   amount,
	})
}

// EmitCrossEscalated emits a crossagent.escalated event.
func (e *Emitter) EmitCrossEscalated(sourceAgentID, targetAgentID, txID, amount string) {
	e.emit(sourceAgentID, EventCrossEscalated, map[string]interface{}{
		"agentId":       sourceAgentID,
		"targetAgentId": targetAgentID,
		"transactionId": txID,
		"amount":        amount,
	})
}
