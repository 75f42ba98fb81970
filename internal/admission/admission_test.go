package admission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/mbd888/agentwallet/internal/audit"
	"github.com/mbd888/agentwallet/internal/crossagent"
	"github.com/mbd888/agentwallet/internal/deadman"
	"github.com/mbd888/agentwallet/internal/killswitch"
	"github.com/mbd888/agentwallet/internal/ledger"
	"github.com/mbd888/agentwallet/internal/money"
	"github.com/mbd888/agentwallet/internal/registry"
	"github.com/mbd888/agentwallet/internal/rules"
)

type noopActions struct{}

func (noopActions) Alert(context.Context, string, string, string)             {}
func (noopActions) Throttle(context.Context, string) error                    { return nil }
func (noopActions) Freeze(context.Context, string, bool) ([]string, error)    { return nil, nil }
func (noopActions) Terminate(context.Context, string, bool) ([]string, error) { return nil, nil }

type fixture struct {
	ctrl       *Controller
	store      *ledger.MemoryStore
	rules      *rules.Service
	audits     *audit.MemoryStore
	monitor    *deadman.Monitor
	configs    *deadman.MemoryConfigStore
	kills      *killswitch.Service
	authorizer *crossagent.Authorizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()

	ruleStore := rules.NewMemoryStore()
	engine := rules.NewEngine(ruleStore, store)

	kills := killswitch.NewService(killswitch.NewMemoryStore(store), store)
	configs := deadman.NewMemoryConfigStore()
	monitor := deadman.NewMonitor(configs, deadman.NewMemoryEventStore(), store, noopActions{})

	audits := audit.NewMemoryStore()
	recorder := audit.NewRecorder(audits, nil)
	authorizer := crossagent.NewAuthorizer(crossagent.NewMemoryStore(), registry.NewMemoryStore())

	return &fixture{
		ctrl: NewController(store, engine, kills, monitor, recorder,
			WithAuthorizer(authorizer)),
		store:      store,
		rules:      rules.NewService(ruleStore),
		audits:     audits,
		monitor:    monitor,
		configs:    configs,
		kills:      kills,
		authorizer: authorizer,
	}
}

func (f *fixture) wallet(t *testing.T, balance string) *ledger.Wallet {
	t.Helper()
	w := &ledger.Wallet{
		ID:       "wal_test",
		AgentID:  "agt_test",
		Balance:  money.MustParse(balance),
		Currency: "USD",
		Status:   ledger.WalletActive,
	}
	if err := f.store.CreateWallet(context.Background(), w); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return w
}

func TestSubmitCompletesAndDebits(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "100.00")
	ctx := context.Background()

	res, err := f.ctrl.Submit(ctx, "wal_test", Candidate{
		Amount:      money.MustParse("30.00"),
		Category:    "api_costs",
		RecipientID: "vendor-a",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Transaction.Status != ledger.TxCompleted {
		t.Fatalf("status = %s, want completed", res.Transaction.Status)
	}
	if res.Transaction.CompletedAt == nil {
		t.Error("completedAt not set")
	}

	w, _ := f.store.GetWallet(ctx, "wal_test")
	if money.Format(w.Balance) != "70.00" {
		t.Errorf("balance = %s, want 70.00", money.Format(w.Balance))
	}

	entries, _ := f.audits.List(ctx, audit.Query{AgentID: "agt_test"})
	if len(entries) != 1 || entries[0].Decision != audit.DecisionAllowed {
		t.Errorf("audit entries = %+v, want one allowed", entries)
	}
}

func TestSubmitValidationPersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "100.00")
	ctx := context.Background()

	if _, err := f.ctrl.Submit(ctx, "wal_test", Candidate{Amount: money.MustParse("0.00")}); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
	if _, err := f.ctrl.Submit(ctx, "wal_missing", Candidate{Amount: money.MustParse("1.00")}); !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Fatalf("err = %v, want ErrWalletNotFound", err)
	}

	txs, _ := f.store.ListTransactions(ctx, "wal_test", nil, 10)
	if len(txs) != 0 {
		t.Errorf("transactions persisted on validation failure: %d", len(txs))
	}
}

func TestSubmitInsufficientFundsPersistsRejection(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "10.00")
	ctx := context.Background()

	res, err := f.ctrl.Submit(ctx, "wal_test", Candidate{Amount: money.MustParse("10.01")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Transaction.Status != ledger.TxRejected {
		t.Fatalf("status = %s, want rejected", res.Transaction.Status)
	}
	if res.Reason == "" {
		t.Error("reason should explain the shortfall")
	}

	// The rejected attempt is visible in history, and the balance is
	// untouched.
	txs, _ := f.store.ListTransactions(ctx, "wal_test", nil, 10)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	w, _ := f.store.GetWallet(ctx, "wal_test")
	if money.Format(w.Balance) != "10.00" {
		t.Errorf("balance = %s, want 10.00", money.Format(w.Balance))
	}
}

func TestSubmitRuleBlockRecordsResults(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "1000.00")
	ctx := context.Background()

	mustRule(t, f, "wal_test", "per_transaction_limit", rules.LimitParams{Limit: "50.00"})

	res, err := f.ctrl.Submit(ctx, "wal_test", Candidate{Amount: money.MustParse("75.00")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Transaction.Status != ledger.TxRejected {
		t.Fatalf("status = %s, want rejected", res.Transaction.Status)
	}
	if len(res.Transaction.RuleCheckResults) == 0 {
		t.Error("rule check results should be recorded on the transaction")
	}
	if res.Evaluation == nil || res.Evaluation.Approved {
		t.Error("evaluation should be present and not approved")
	}

	entries, _ := f.audits.List(ctx, audit.Query{AgentID: "agt_test"})
	if len(entries) != 1 || entries[0].Decision != audit.DecisionBlocked {
		t.Errorf("audit = %+v, want one blocked", entries)
	}
}

func TestSubmitKillSwitchedWallet(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "100.00")
	ctx := context.Background()

	if err := f.store.UpdateWalletStatus(ctx, "wal_test", ledger.WalletKillSwitched); err != nil {
		t.Fatalf("update status: %v", err)
	}
	res, err := f.ctrl.Submit(ctx, "wal_test", Candidate{Amount: money.MustParse("1.00")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Transaction.Status != ledger.TxKillSwitched {
		t.Fatalf("status = %s, want killswitched", res.Transaction.Status)
	}
}

func TestSubmitFrozenAgentRejected(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "100.00")
	ctx := context.Background()

	// Default manual-trigger action is freeze.
	if _, err := f.monitor.ManualTrigger(ctx, "agt_test", "operator says stop"); err != nil {
		t.Fatalf("manual trigger: %v", err)
	}

	res, err := f.ctrl.Submit(ctx, "wal_test", Candidate{Amount: money.MustParse("1.00")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Transaction.Status != ledger.TxRejected {
		t.Fatalf("status = %s, want rejected", res.Transaction.Status)
	}
}

func TestApproveExecutesHeldTransaction(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "200.00")
	ctx := context.Background()

	mustRule(t, f, "wal_test", "approval_threshold", rules.ApprovalThresholdParams{Threshold: "100.00"})

	res, err := f.ctrl.Submit(ctx, "wal_test", Candidate{Amount: money.MustParse("150.00")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Transaction.Status != ledger.TxAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", res.Transaction.Status)
	}

	// No debit while held.
	w, _ := f.store.GetWallet(ctx, "wal_test")
	if money.Format(w.Balance) != "200.00" {
		t.Fatalf("held transaction debited: balance %s", money.Format(w.Balance))
	}

	pending, _ := f.ctrl.ListPending(ctx, "wal_test", 10)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}

	approved, err := f.ctrl.Approve(ctx, res.Transaction.ID, "owner@example.com")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Transaction.Status != ledger.TxCompleted {
		t.Fatalf("status = %s, want completed", approved.Transaction.Status)
	}
	w, _ = f.store.GetWallet(ctx, "wal_test")
	if money.Format(w.Balance) != "50.00" {
		t.Errorf("balance = %s, want 50.00", money.Format(w.Balance))
	}

	// Terminal states admit no re-approval.
	if _, err := f.ctrl.Approve(ctx, res.Transaction.ID, "owner@example.com"); !errors.Is(err, ErrNotAwaitingApproval) {
		t.Errorf("second approve err = %v, want ErrNotAwaitingApproval", err)
	}
}

func TestApproveRechecksBalance(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "200.00")
	ctx := context.Background()

	mustRule(t, f, "wal_test", "approval_threshold", rules.ApprovalThresholdParams{Threshold: "100.00"})

	res, err := f.ctrl.Submit(ctx, "wal_test", Candidate{Amount: money.MustParse("150.00")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Funds drain while the hold sits in the queue.
	if _, err := f.ctrl.Submit(ctx, "wal_test", Candidate{Amount: money.MustParse("90.00")}); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if _, err := f.ctrl.Approve(ctx, res.Transaction.ID, "owner@example.com"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("approve err = %v, want ErrInsufficientFunds", err)
	}
}

func TestRejectRecordsReason(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "200.00")
	ctx := context.Background()

	mustRule(t, f, "wal_test", "approval_threshold", rules.ApprovalThresholdParams{Threshold: "100.00"})

	res, err := f.ctrl.Submit(ctx, "wal_test", Candidate{Amount: money.MustParse("150.00")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rejected, err := f.ctrl.Reject(ctx, res.Transaction.ID, "owner@example.com", "vendor unverified")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Transaction.Status != ledger.TxRejected {
		t.Fatalf("status = %s, want rejected", rejected.Transaction.Status)
	}

	stored, _ := f.store.GetTransaction(ctx, res.Transaction.ID)
	if stored.Metadata["rejectionReason"] != "vendor unverified" {
		t.Errorf("metadata = %+v, want rejectionReason recorded", stored.Metadata)
	}
	w, _ := f.store.GetWallet(ctx, "wal_test")
	if money.Format(w.Balance) != "200.00" {
		t.Errorf("balance = %s, want 200.00 untouched", money.Format(w.Balance))
	}
}

func (f *fixture) targetWallet(t *testing.T, agentID string) *ledger.Wallet {
	t.Helper()
	w := &ledger.Wallet{
		ID:       "wal_" + agentID,
		AgentID:  agentID,
		Balance:  money.MustParse("0.00"),
		Currency: "USD",
		Status:   ledger.WalletActive,
	}
	if err := f.store.CreateWallet(context.Background(), w); err != nil {
		t.Fatalf("create target wallet: %v", err)
	}
	return w
}

func (f *fixture) policy(t *testing.T, source string, mutate func(*crossagent.Policy)) {
	t.Helper()
	p := &crossagent.Policy{
		OwnerID:        "own_test",
		SourceAgentID:  source,
		SettlementMode: crossagent.SettlementImmediate,
		Enabled:        true,
	}
	if mutate != nil {
		mutate(p)
	}
	if err := f.authorizer.CreatePolicy(context.Background(), p); err != nil {
		t.Fatalf("create policy: %v", err)
	}
}

func TestSubmitCrossAgentBypassesWalletRules(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "100.00")
	f.targetWallet(t, "agt_peer")
	ctx := context.Background()

	// A whitelist that would reject agt_peer; it must not apply to
	// agent-to-agent spends.
	mustRule(t, f, "wal_test", "recipient_whitelist", rules.RecipientListParams{Recipients: []string{"vendor-a"}})
	f.policy(t, "agt_test", nil)

	res, err := f.ctrl.Submit(ctx, "wal_test", Candidate{
		Amount:        money.MustParse("25.00"),
		Category:      "service_fee",
		RecipientID:   "agt_peer",
		RecipientType: ledger.RecipientAgentWallet,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Transaction.Status != ledger.TxCompleted {
		t.Fatalf("status = %s (%s), want completed", res.Transaction.Status, res.Reason)
	}
	if res.Evaluation != nil {
		t.Error("wallet rules engine should not run for cross-agent spends")
	}

	// The same spend to an external recipient is still rule-bound.
	ext, err := f.ctrl.Submit(ctx, "wal_test", Candidate{
		Amount:      money.MustParse("25.00"),
		RecipientID: "agt_peer",
	})
	if err != nil {
		t.Fatalf("external submit: %v", err)
	}
	if ext.Transaction.Status != ledger.TxRejected {
		t.Errorf("external status = %s, want rejected by whitelist", ext.Transaction.Status)
	}
}

func TestSubmitCrossAgentSettlesBothLegs(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "100.00")
	target := f.targetWallet(t, "agt_peer")
	ctx := context.Background()

	f.policy(t, "agt_test", nil)

	res, err := f.ctrl.Submit(ctx, "wal_test", Candidate{
		Amount:        money.MustParse("40.00"),
		Category:      "service_fee",
		RecipientID:   "agt_peer",
		RecipientType: ledger.RecipientAgentWallet,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Transaction.Status != ledger.TxCompleted {
		t.Fatalf("status = %s (%s), want completed", res.Transaction.Status, res.Reason)
	}

	src, _ := f.store.GetWallet(ctx, "wal_test")
	if money.Format(src.Balance) != "60.00" {
		t.Errorf("source balance = %s, want 60.00", money.Format(src.Balance))
	}
	dst, _ := f.store.GetWallet(ctx, target.ID)
	if money.Format(dst.Balance) != "40.00" {
		t.Errorf("target balance = %s, want 40.00", money.Format(dst.Balance))
	}

	// The receiving leg is a deposit, invisible to spend windows.
	credits, _ := f.store.ListTransactions(ctx, target.ID, nil, 10)
	if len(credits) != 1 || credits[0].Category != ledger.CategoryDeposit {
		t.Fatalf("target transactions = %+v, want one deposit", credits)
	}

	catID, _ := res.Transaction.Metadata["crossAgentTxId"].(string)
	cat, err := f.authorizer.GetTransaction(ctx, catID)
	if err != nil {
		t.Fatalf("get cross-agent transaction: %v", err)
	}
	if !cat.Authorized || cat.SettlementStatus != crossagent.StatusSettled {
		t.Errorf("cross-agent record = %+v, want authorized and settled", cat)
	}
}

func TestSubmitCrossAgentEscalatesAboveThreshold(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "500.00")
	target := f.targetWallet(t, "agt_peer")
	ctx := context.Background()

	f.policy(t, "agt_test", func(p *crossagent.Policy) {
		p.RequireHumanApprovalAbove = money.MustParse("100.00")
	})

	res, err := f.ctrl.Submit(ctx, "wal_test", Candidate{
		Amount:        money.MustParse("150.00"),
		RecipientID:   "agt_peer",
		RecipientType: ledger.RecipientAgentWallet,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Transaction.Status != ledger.TxAwaitingApproval {
		t.Fatalf("status = %s, want awaiting_approval", res.Transaction.Status)
	}

	// No money moves while held.
	src, _ := f.store.GetWallet(ctx, "wal_test")
	if money.Format(src.Balance) != "500.00" {
		t.Fatalf("held spend moved funds: %s", money.Format(src.Balance))
	}

	approved, err := f.ctrl.Approve(ctx, res.Transaction.ID, "owner@example.com")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Transaction.Status != ledger.TxCompleted {
		t.Fatalf("status = %s, want completed", approved.Transaction.Status)
	}

	src, _ = f.store.GetWallet(ctx, "wal_test")
	if money.Format(src.Balance) != "350.00" {
		t.Errorf("source balance = %s, want 350.00", money.Format(src.Balance))
	}
	dst, _ := f.store.GetWallet(ctx, target.ID)
	if money.Format(dst.Balance) != "150.00" {
		t.Errorf("target balance = %s, want 150.00", money.Format(dst.Balance))
	}

	catID, _ := res.Transaction.Metadata["crossAgentTxId"].(string)
	cat, _ := f.authorizer.GetTransaction(ctx, catID)
	if cat == nil || cat.AuthorizationMethod != crossagent.MethodHumanApproved {
		t.Errorf("cross-agent record = %+v, want human_approved", cat)
	}
}

func TestSubmitCrossAgentNoTargetWallet(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "100.00")
	ctx := context.Background()

	f.policy(t, "agt_test", nil)

	res, err := f.ctrl.Submit(ctx, "wal_test", Candidate{
		Amount:        money.MustParse("10.00"),
		RecipientID:   "agt_ghost",
		RecipientType: ledger.RecipientAgentWallet,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Transaction.Status != ledger.TxRejected {
		t.Fatalf("status = %s, want rejected", res.Transaction.Status)
	}
}

func TestConcurrentSubmitsNeverOverspend(t *testing.T) {
	f := newFixture(t)
	f.wallet(t, "100.00")
	ctx := context.Background()

	// Lift the velocity cap so the balance gate decides.
	cfg := deadman.DefaultConfig("agt_test")
	cfg.MaxTxPerMinute = 100
	if err := f.configs.Upsert(ctx, cfg); err != nil {
		t.Fatalf("upsert config: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.ctrl.Submit(ctx, "wal_test", Candidate{Amount: money.MustParse("10.00")})
		}()
	}
	wg.Wait()

	w, _ := f.store.GetWallet(ctx, "wal_test")
	if w.Balance.IsNegative() {
		t.Fatalf("balance went negative: %s", money.Format(w.Balance))
	}

	completed := 0
	txs, _ := f.store.ListTransactions(ctx, "wal_test", nil, 50)
	for _, tx := range txs {
		if tx.Status == ledger.TxCompleted {
			completed++
		}
	}
	if completed != 10 {
		t.Errorf("completed = %d, want exactly 10", completed)
	}
	if money.Format(w.Balance) != "0.00" {
		t.Errorf("balance = %s, want 0.00", money.Format(w.Balance))
	}
}

func mustRule(t *testing.T, f *fixture, walletID, kind string, params interface{}) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	if _, err := f.rules.Create(context.Background(), walletID, kind, raw, 0); err != nil {
		t.Fatalf("create rule %s: %v", kind, err)
	}
}
