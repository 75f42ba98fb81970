// Package killswitch implements per-wallet latching circuit breakers.
//
// A switch pre-checks latched state on every admission, evaluates its
// trigger condition against ledger history, and on firing latches the
// wallet into KillSwitched atomically. Reset is operator-only.
package killswitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/mbd888/agentwallet/internal/audit"
	"github.com/mbd888/agentwallet/internal/idgen"
	"github.com/mbd888/agentwallet/internal/ledger"
	"github.com/mbd888/agentwallet/internal/money"
)

var (
	ErrSwitchNotFound = errors.New("killswitch: switch not found")
	ErrNotTriggered   = errors.New("killswitch: switch is not triggered")
	ErrInvalidKind    = errors.New("killswitch: unknown trigger kind")
	ErrInvalidParams  = errors.New("killswitch: invalid parameters")
)

// Trigger kinds.
const (
	KindDrawdownPercent   = "drawdown_percent"
	KindLossAmount        = "loss_amount"
	KindConsecutiveLosses = "consecutive_losses"
	KindDailyLossLimit    = "daily_loss_limit"
)

var tripsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "agentwallet",
	Subsystem: "killswitch",
	Name:      "trips_total",
	Help:      "Total kill switch trips by trigger kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(tripsTotal)
}

// Switch is a latching circuit breaker on a wallet.
//
// Threshold semantics depend on Kind: a fraction in (0,1] for
// drawdown_percent, a monetary amount for loss_amount and
// daily_loss_limit, a count for consecutive_losses.
type Switch struct {
	ID           string          `json:"id"`
	WalletID     string          `json:"walletId"`
	Kind         string          `json:"kind"`
	Threshold    decimal.Decimal `json:"threshold"`
	WindowHours  int             `json:"windowHours,omitempty"`
	Active       bool            `json:"active"`
	Triggered    bool            `json:"triggered"`
	TriggeredAt  *time.Time      `json:"triggeredAt,omitempty"`
	ResetAt      *time.Time      `json:"resetAt,omitempty"`
	CurrentValue decimal.Decimal `json:"currentValue"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Validate checks kind and parameters at creation time.
func (s *Switch) Validate() error {
	switch s.Kind {
	case KindDrawdownPercent:
		if !s.Threshold.IsPositive() || s.Threshold.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: drawdown threshold must be in (0,1]", ErrInvalidParams)
		}
		if s.WindowHours <= 0 {
			return fmt.Errorf("%w: windowHours must be positive", ErrInvalidParams)
		}
	case KindLossAmount:
		if !s.Threshold.IsPositive() {
			return fmt.Errorf("%w: loss threshold must be positive", ErrInvalidParams)
		}
		if s.WindowHours <= 0 {
			return fmt.Errorf("%w: windowHours must be positive", ErrInvalidParams)
		}
	case KindConsecutiveLosses, KindDailyLossLimit:
		if !s.Threshold.IsPositive() {
			return fmt.Errorf("%w: threshold must be positive", ErrInvalidParams)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, s.Kind)
	}
	return nil
}

// Store persists switches. Latch must be atomic with the wallet status
// change; Reset restores the wallet to active in the same operation.
type Store interface {
	Create(ctx context.Context, s *Switch) error
	Get(ctx context.Context, id string) (*Switch, error)
	ListByWallet(ctx context.Context, walletID string) ([]*Switch, error)
	Delete(ctx context.Context, id string) error

	// Latch sets triggered/triggeredAt/currentValue on the switch and
	// the owning wallet's status to KillSwitched in one atomic write.
	Latch(ctx context.Context, switchID string, observed decimal.Decimal, at time.Time) error

	// Reset clears the trigger, stamps resetAt, and restores the
	// wallet to Active in one atomic write.
	Reset(ctx context.Context, switchID string, at time.Time) error
}

// HistoryReader supplies the ledger history trigger evaluation needs.
// *ledger.MemoryStore and *ledger.PostgresStore both satisfy it.
type HistoryReader interface {
	GetWallet(ctx context.Context, id string) (*ledger.Wallet, error)
	ListCompletedSince(ctx context.Context, walletID string, since time.Time) ([]*ledger.Transaction, error)
}

// Service evaluates and manages kill switches.
type Service struct {
	store    Store
	history  HistoryReader
	recorder *audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the service clock (for tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRecorder sets the audit recorder for trip and reset entries.
func WithRecorder(recorder *audit.Recorder) Option {
	return func(s *Service) { s.recorder = recorder }
}

// NewService creates a kill-switch service.
func NewService(store Store, history HistoryReader, opts ...Option) *Service {
	s := &Service{store: store, history: history, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates and persists a new switch.
func (s *Service) Create(ctx context.Context, walletID, kind string, threshold decimal.Decimal, windowHours int) (*Switch, error) {
	sw := &Switch{
		ID:          idgen.WithPrefix("ks_"),
		WalletID:    walletID,
		Kind:        kind,
		Threshold:   threshold,
		WindowHours: windowHours,
		Active:      true,
	}
	if err := sw.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, sw); err != nil {
		return nil, err
	}
	return sw, nil
}

// Get returns a switch by id.
func (s *Service) Get(ctx context.Context, id string) (*Switch, error) {
	return s.store.Get(ctx, id)
}

// List returns a wallet's switches.
func (s *Service) List(ctx context.Context, walletID string) ([]*Switch, error) {
	return s.store.ListByWallet(ctx, walletID)
}

// Delete removes a switch.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

// Latched returns the first latched switch on the wallet, if any. A
// latched switch with resetAt null blocks all new transactions
// regardless of re-evaluation.
func (s *Service) Latched(ctx context.Context, walletID string) (*Switch, error) {
	switches, err := s.store.ListByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	for _, sw := range switches {
		if sw.Triggered && sw.ResetAt == nil {
			return sw, nil
		}
	}
	return nil, nil
}

// Evaluate checks every active, untriggered switch on the wallet
// against ledger history and latches the first one whose condition
// fires. Returns the fired switch, or nil.
func (s *Service) Evaluate(ctx context.Context, walletID string) (*Switch, error) {
	switches, err := s.store.ListByWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, sw := range switches {
		if !sw.Active || sw.Triggered {
			continue
		}
		fired, observed, err := s.condition(ctx, sw, now)
		if err != nil {
			return nil, err
		}
		if !fired {
			continue
		}
		if err := s.store.Latch(ctx, sw.ID, observed, now); err != nil {
			return nil, err
		}
		tripsTotal.WithLabelValues(sw.Kind).Inc()
		s.logger.Warn("kill switch tripped",
			"switch", sw.ID,
			"wallet", walletID,
			"kind", sw.Kind,
			"observed", observed.String(),
			"threshold", sw.Threshold.String(),
		)
		sw.Triggered = true
		sw.TriggeredAt = &now
		sw.CurrentValue = observed
		s.audit(ctx, sw, "killswitch.trip", Describe(sw))
		return sw, nil
	}
	return nil, nil
}

// audit writes a system audit entry for a switch transition, attributed
// to the wallet's owning agent.
func (s *Service) audit(ctx context.Context, sw *Switch, action, reasoning string) {
	if s.recorder == nil {
		return
	}
	agentID := ""
	if w, err := s.history.GetWallet(ctx, sw.WalletID); err == nil {
		agentID = w.AgentID
	}
	s.recorder.Record(ctx, agentID, action, "killswitch", sw.ID, audit.DecisionSystem, reasoning)
}

// Reset clears a triggered switch and restores the wallet to Active.
// Operator-only; callers enforce the owner scope.
func (s *Service) Reset(ctx context.Context, switchID string) (*Switch, error) {
	sw, err := s.store.Get(ctx, switchID)
	if err != nil {
		return nil, err
	}
	if !sw.Triggered {
		return nil, ErrNotTriggered
	}
	now := s.now()
	if err := s.store.Reset(ctx, switchID, now); err != nil {
		return nil, err
	}
	s.audit(ctx, sw, "killswitch.reset", fmt.Sprintf("switch %s (%s) reset, wallet restored", sw.ID, sw.Kind))
	return s.store.Get(ctx, switchID)
}

// condition evaluates a single switch's trigger against history.
func (s *Service) condition(ctx context.Context, sw *Switch, now time.Time) (bool, decimal.Decimal, error) {
	switch sw.Kind {
	case KindDrawdownPercent:
		return s.drawdown(ctx, sw, now)
	case KindLossAmount:
		since := now.Add(-time.Duration(sw.WindowHours) * time.Hour)
		return s.lossSum(ctx, sw, since, false)
	case KindConsecutiveLosses:
		return s.consecutiveLosses(ctx, sw, now)
	case KindDailyLossLimit:
		return s.lossSum(ctx, sw, ledger.StartOfDay(now), false)
	}
	return false, decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidKind, sw.Kind)
}

// drawdown reconstructs the balance peak over the window from the
// current balance and the completed transactions within it, then fires
// when (peak - current) / peak >= threshold. With no history the peak
// equals the current balance and the drawdown is zero.
func (s *Service) drawdown(ctx context.Context, sw *Switch, now time.Time) (bool, decimal.Decimal, error) {
	w, err := s.history.GetWallet(ctx, sw.WalletID)
	if err != nil {
		return false, decimal.Zero, err
	}
	since := now.Add(-time.Duration(sw.WindowHours) * time.Hour)
	txs, err := s.history.ListCompletedSince(ctx, sw.WalletID, since)
	if err != nil {
		return false, decimal.Zero, err
	}

	// Rebuild the balance at the window start, then replay forward
	// tracking the running maximum.
	start := w.Balance
	for _, tx := range txs {
		if tx.Category == ledger.CategoryDeposit {
			start = start.Sub(tx.Amount)
		} else {
			start = start.Add(tx.Amount)
		}
	}
	peak := start
	running := start
	for _, tx := range txs {
		if tx.Category == ledger.CategoryDeposit {
			running = running.Add(tx.Amount)
		} else {
			running = running.Sub(tx.Amount)
		}
		if running.GreaterThan(peak) {
			peak = running
		}
	}
	if w.Balance.GreaterThan(peak) {
		peak = w.Balance
	}
	if !peak.IsPositive() {
		return false, decimal.Zero, nil
	}
	drawdown := peak.Sub(w.Balance).Div(peak)
	return drawdown.GreaterThanOrEqual(sw.Threshold), drawdown, nil
}

// lossSum fires when the sum of realized losses since the given time
// reaches the threshold. Losses are max(0, -pnl) per transaction.
func (s *Service) lossSum(ctx context.Context, sw *Switch, since time.Time, _ bool) (bool, decimal.Decimal, error) {
	txs, err := s.history.ListCompletedSince(ctx, sw.WalletID, since)
	if err != nil {
		return false, decimal.Zero, err
	}
	losses := decimal.Zero
	for _, tx := range txs {
		pnl, ok := tx.PnL()
		if ok && pnl.IsNegative() {
			losses = losses.Add(pnl.Neg())
		}
	}
	return losses.GreaterThanOrEqual(sw.Threshold), losses, nil
}

// consecutiveLosses fires when the trailing streak of losing trading
// transactions reaches the threshold count.
func (s *Service) consecutiveLosses(ctx context.Context, sw *Switch, now time.Time) (bool, decimal.Decimal, error) {
	window := 24 * time.Hour
	if sw.WindowHours > 0 {
		window = time.Duration(sw.WindowHours) * time.Hour
	}
	txs, err := s.history.ListCompletedSince(ctx, sw.WalletID, now.Add(-window))
	if err != nil {
		return false, decimal.Zero, err
	}
	streak := 0
	for _, tx := range txs {
		if tx.Category != "trading" {
			continue
		}
		pnl, ok := tx.PnL()
		if ok && pnl.IsNegative() {
			streak++
		} else {
			streak = 0
		}
	}
	observed := decimal.NewFromInt(int64(streak))
	return observed.GreaterThanOrEqual(sw.Threshold), observed, nil
}

// Describe renders a one-line human reason for a latched switch.
func Describe(sw *Switch) string {
	return fmt.Sprintf("kill switch %s (%s) triggered: observed %s, threshold %s",
		sw.ID, sw.Kind, money.Format(sw.CurrentValue), sw.Threshold.String())
}
