package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/agentwallet/internal/idgen"
	"github.com/mbd888/agentwallet/internal/money"
	"github.com/mbd888/agentwallet/internal/pagination"
)

func newTestWallet(t *testing.T, store Store, balance string) *Wallet {
	t.Helper()
	w := &Wallet{
		ID:       idgen.WithPrefix("wal_"),
		AgentID:  "agt_test",
		Balance:  money.MustParse(balance),
		Currency: "USD",
		Status:   WalletActive,
	}
	if err := store.CreateWallet(context.Background(), w); err != nil {
		t.Fatalf("CreateWallet: %v", err)
	}
	return w
}

func newSpend(walletID, amount, category string, status TxStatus) *Transaction {
	return &Transaction{
		ID:            idgen.WithPrefix("txn_"),
		WalletID:      walletID,
		Amount:        money.MustParse(amount),
		RecipientID:   "vendor-1",
		RecipientType: RecipientExternal,
		Category:      category,
		Status:        status,
		CreatedAt:     time.Now(),
	}
}

func TestExecuteDebitAtomicity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w := newTestWallet(t, store, "100.00")

	tx := newSpend(w.ID, "40.00", "compute", TxApproved)
	if err := store.CreateTransaction(ctx, tx); err != nil {
		t.Fatalf("CreateTransaction: %v", err)
	}

	now := time.Now()
	if err := store.ExecuteDebit(ctx, w.ID, tx.ID, tx.Amount, now); err != nil {
		t.Fatalf("ExecuteDebit: %v", err)
	}

	got, _ := store.GetWallet(ctx, w.ID)
	if money.Format(got.Balance) != "60.00" {
		t.Errorf("balance = %s, want 60.00", money.Format(got.Balance))
	}
	gotTx, _ := store.GetTransaction(ctx, tx.ID)
	if gotTx.Status != TxCompleted {
		t.Errorf("status = %s, want completed", gotTx.Status)
	}
	if gotTx.CompletedAt == nil {
		t.Error("completedAt not set")
	}
	if gotTx.CompletedAt != nil && gotTx.CreatedAt.After(*gotTx.CompletedAt) {
		t.Error("createdAt after completedAt")
	}
}

func TestExecuteDebitInsufficientFunds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w := newTestWallet(t, store, "10.00")

	tx := newSpend(w.ID, "25.00", "compute", TxApproved)
	_ = store.CreateTransaction(ctx, tx)

	err := store.ExecuteDebit(ctx, w.ID, tx.ID, tx.Amount, time.Now())
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientFunds", err)
	}

	// Balance unchanged on failed debit.
	got, _ := store.GetWallet(ctx, w.ID)
	if money.Format(got.Balance) != "10.00" {
		t.Errorf("balance = %s, want 10.00", money.Format(got.Balance))
	}
}

func TestExecuteDebitInactiveWallet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w := newTestWallet(t, store, "100.00")
	_ = store.UpdateWalletStatus(ctx, w.ID, WalletKillSwitched)

	tx := newSpend(w.ID, "5.00", "compute", TxApproved)
	_ = store.CreateTransaction(ctx, tx)

	if err := store.ExecuteDebit(ctx, w.ID, tx.ID, tx.Amount, time.Now()); !errors.Is(err, ErrWalletNotActive) {
		t.Fatalf("error = %v, want ErrWalletNotActive", err)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w := newTestWallet(t, store, "100.00")

	const attempts = 20
	amount := money.MustParse("30.00")

	var wg sync.WaitGroup
	completed := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		tx := newSpend(w.ID, "30.00", "compute", TxApproved)
		_ = store.CreateTransaction(ctx, tx)
		wg.Add(1)
		go func(txID string) {
			defer wg.Done()
			if err := store.ExecuteDebit(ctx, w.ID, txID, amount, time.Now()); err == nil {
				completed <- struct{}{}
			}
		}(tx.ID)
	}
	wg.Wait()
	close(completed)

	n := 0
	for range completed {
		n++
	}
	// floor(100 / 30) = 3 debits can complete.
	if n != 3 {
		t.Errorf("completed debits = %d, want 3", n)
	}
	got, _ := store.GetWallet(ctx, w.ID)
	if got.Balance.IsNegative() {
		t.Errorf("balance went negative: %s", money.Format(got.Balance))
	}
}

func TestDepositAndSpendBetween(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	w := newTestWallet(t, store, "0.00")

	if _, err := svc.Deposit(ctx, w.ID, money.MustParse("500.00"), "initial funding"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	got, _ := store.GetWallet(ctx, w.ID)
	if money.Format(got.Balance) != "500.00" {
		t.Errorf("balance = %s, want 500.00", money.Format(got.Balance))
	}

	// Deposits are additive, not idempotent.
	if _, err := svc.Deposit(ctx, w.ID, money.MustParse("500.00"), ""); err != nil {
		t.Fatalf("second Deposit: %v", err)
	}
	got, _ = store.GetWallet(ctx, w.ID)
	if money.Format(got.Balance) != "1000.00" {
		t.Errorf("balance = %s, want 1000.00", money.Format(got.Balance))
	}

	// Completed spends count; deposits and pending spends do not.
	spend := newSpend(w.ID, "200.00", "compute", TxApproved)
	_ = store.CreateTransaction(ctx, spend)
	_ = store.ExecuteDebit(ctx, w.ID, spend.ID, spend.Amount, time.Now())

	pending := newSpend(w.ID, "999.00", "compute", TxAwaitingApproval)
	_ = store.CreateTransaction(ctx, pending)

	sum, err := store.SpendBetween(ctx, w.ID, time.Now().Add(-time.Hour), time.Time{})
	if err != nil {
		t.Fatalf("SpendBetween: %v", err)
	}
	if money.Format(sum) != "200.00" {
		t.Errorf("spend = %s, want 200.00", money.Format(sum))
	}
}

func TestDepositRejectsNonPositive(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	w := newTestWallet(t, store, "0.00")

	if _, err := svc.Deposit(context.Background(), w.ID, money.Zero, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("error = %v, want ErrInvalidAmount", err)
	}
}

func TestWindowBoundaries(t *testing.T) {
	// Wednesday 2026-03-04 15:30 UTC.
	ref := time.Date(2026, 3, 4, 15, 30, 0, 0, time.UTC)

	if got := StartOfDay(ref); !got.Equal(time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("StartOfDay = %v", got)
	}
	if got := StartOfWeek(ref); !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("StartOfWeek = %v, want Sunday Mar 1", got)
	}
	if got := StartOfMonth(ref); !got.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("StartOfMonth = %v", got)
	}

	// A moment exactly at Sunday 00:00:00 belongs to the new week.
	sunday := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	if got := StartOfWeek(sunday); !got.Equal(sunday) {
		t.Errorf("StartOfWeek(sunday midnight) = %v, want %v", got, sunday)
	}
}

func TestFreezeUnfreeze(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()
	w := newTestWallet(t, store, "10.00")

	if err := svc.Freeze(ctx, w.ID); err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	got, _ := store.GetWallet(ctx, w.ID)
	if got.Status != WalletFrozen {
		t.Errorf("status = %s, want frozen", got.Status)
	}

	if err := svc.Unfreeze(ctx, w.ID); err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	got, _ = store.GetWallet(ctx, w.ID)
	if got.Status != WalletActive {
		t.Errorf("status = %s, want active", got.Status)
	}

	// KillSwitched wallets cannot be unfrozen through this path.
	_ = store.UpdateWalletStatus(ctx, w.ID, WalletKillSwitched)
	if err := svc.Unfreeze(ctx, w.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestListTransactionsCursorPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w := newTestWallet(t, store, "100.00")

	base := time.Now().Add(-time.Hour)
	var ids []string
	for i := 0; i < 5; i++ {
		tx := newSpend(w.ID, "1.00", "api", TxCompleted)
		tx.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateTransaction(ctx, tx); err != nil {
			t.Fatalf("CreateTransaction: %v", err)
		}
		ids = append(ids, tx.ID)
	}

	first, err := store.ListTransactions(ctx, w.ID, nil, 2)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(first) != 2 || first[0].ID != ids[4] || first[1].ID != ids[3] {
		t.Fatalf("first page = %v, want newest two", txIDs(first))
	}

	cur := &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}
	second, err := store.ListTransactions(ctx, w.ID, cur, 2)
	if err != nil {
		t.Fatalf("ListTransactions with cursor: %v", err)
	}
	if len(second) != 2 || second[0].ID != ids[2] || second[1].ID != ids[1] {
		t.Fatalf("second page = %v, want middle two", txIDs(second))
	}

	cur = &pagination.Cursor{CreatedAt: second[1].CreatedAt, ID: second[1].ID}
	third, err := store.ListTransactions(ctx, w.ID, cur, 2)
	if err != nil {
		t.Fatalf("ListTransactions last page: %v", err)
	}
	if len(third) != 1 || third[0].ID != ids[0] {
		t.Fatalf("third page = %v, want oldest only", txIDs(third))
	}
}

func txIDs(txs []*Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}
