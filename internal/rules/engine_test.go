package rules

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentwallet/internal/money"
)

type fakeSpends struct {
	spent decimal.Decimal
}

func (f *fakeSpends) SpendBetween(_ context.Context, _ string, _, _ time.Time) (decimal.Decimal, error) {
	return f.spent, nil
}

func params(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return data
}

func mustCreate(t *testing.T, svc *Service, walletID, kind string, p json.RawMessage, priority int) *SpendRule {
	t.Helper()
	r, err := svc.Create(context.Background(), walletID, kind, p, priority)
	if err != nil {
		t.Fatalf("Create(%s): %v", kind, err)
	}
	return r
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		params  interface{}
		wantErr bool
	}{
		{"valid limit", KindPerTransactionLimit, LimitParams{Limit: "100.00"}, false},
		{"zero limit", KindDailyLimit, LimitParams{Limit: "0"}, true},
		{"negative limit", KindWeeklyLimit, LimitParams{Limit: "-5.00"}, true},
		{"valid categories", KindCategoryWhitelist, CategoryListParams{Categories: []string{"ads"}}, false},
		{"empty categories", KindCategoryBlacklist, CategoryListParams{Categories: nil}, true},
		{"empty recipients", KindRecipientWhitelist, RecipientListParams{}, true},
		{"valid window", KindTimeWindow, TimeWindowParams{StartHour: 9, EndHour: 17}, false},
		{"overnight window", KindTimeWindow, TimeWindowParams{StartHour: 22, EndHour: 6}, false},
		{"hour out of range", KindTimeWindow, TimeWindowParams{StartHour: 9, EndHour: 24}, true},
		{"empty window", KindTimeWindow, TimeWindowParams{StartHour: 9, EndHour: 9}, true},
		{"valid threshold", KindApprovalThreshold, ApprovalThresholdParams{Threshold: "50.00"}, false},
		{"empty signals", KindSignalFilter, SignalFilterParams{}, true},
		{"unknown kind", "velocity_cap", LimitParams{Limit: "1.00"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _ := json.Marshal(tt.params)
			err := ValidateRule(&SpendRule{Kind: tt.kind, Params: data})
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRule error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEvaluateNoShortCircuit(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	engine := NewEngine(store, &fakeSpends{spent: decimal.Zero})
	ctx := context.Background()

	mustCreate(t, svc, "wal_1", KindPerTransactionLimit, params(t, LimitParams{Limit: "10.00"}), 100)
	mustCreate(t, svc, "wal_1", KindCategoryBlacklist, params(t, CategoryListParams{Categories: []string{"gambling"}}), 50)
	mustCreate(t, svc, "wal_1", KindApprovalThreshold, params(t, ApprovalThresholdParams{Threshold: "5.00"}), 10)

	ev, err := engine.Evaluate(ctx, "wal_1", Candidate{
		Amount:   money.MustParse("20.00"),
		Category: "gambling",
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// All three rules produce a result even though the first fails.
	if len(ev.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(ev.Results))
	}
	if ev.Approved {
		t.Error("approved = true, want false")
	}
	if !ev.RequiresApproval {
		t.Error("requiresApproval = false, want true")
	}

	// Priority descending: per-tx limit first, threshold last.
	if ev.Results[0].Kind != KindPerTransactionLimit {
		t.Errorf("first result = %s, want per_transaction_limit", ev.Results[0].Kind)
	}
	if ev.Results[2].Kind != KindApprovalThreshold {
		t.Errorf("last result = %s, want approval_threshold", ev.Results[2].Kind)
	}
	if ev.Results[0].Passed || ev.Results[1].Passed {
		t.Error("limit and blacklist should both fail")
	}
	// The threshold rule itself passes even when it flags.
	if !ev.Results[2].Passed {
		t.Error("approval_threshold should pass")
	}
}

func TestLimitBoundaryPasses(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	engine := NewEngine(store, &fakeSpends{spent: decimal.Zero})

	mustCreate(t, svc, "wal_1", KindPerTransactionLimit, params(t, LimitParams{Limit: "200.00"}), 0)

	// Exactly at the limit passes.
	ev, err := engine.Evaluate(context.Background(), "wal_1", Candidate{Amount: money.MustParse("200.00")})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ev.Approved {
		t.Errorf("amount equal to limit should pass: %+v", ev.Results)
	}

	ev, _ = engine.Evaluate(context.Background(), "wal_1", Candidate{Amount: money.MustParse("200.01")})
	if ev.Approved {
		t.Error("amount above limit should fail")
	}
}

func TestDailyLimitAggregation(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	spends := &fakeSpends{spent: money.MustParse("600.00")}
	engine := NewEngine(store, spends)

	mustCreate(t, svc, "wal_1", KindDailyLimit, params(t, LimitParams{Limit: "500.00"}), 0)

	// 600 already spent today; any further spend is rejected.
	ev, err := engine.Evaluate(context.Background(), "wal_1", Candidate{Amount: money.MustParse("150.00")})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.Approved {
		t.Error("projected 750.00 over 500.00 limit should fail")
	}

	spends.spent = money.MustParse("450.00")
	ev, _ = engine.Evaluate(context.Background(), "wal_1", Candidate{Amount: money.MustParse("50.00")})
	if !ev.Approved {
		t.Errorf("projected 500.00 at limit should pass: %+v", ev.Results)
	}
}

func TestCategoryAndRecipientAbsencePasses(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	engine := NewEngine(store, &fakeSpends{spent: decimal.Zero})

	mustCreate(t, svc, "wal_1", KindCategoryWhitelist, params(t, CategoryListParams{Categories: []string{"ads"}}), 0)
	mustCreate(t, svc, "wal_1", KindRecipientWhitelist, params(t, RecipientListParams{Recipients: []string{"vendor-a"}}), 0)

	// Absent category and recipient pass list rules.
	ev, err := engine.Evaluate(context.Background(), "wal_1", Candidate{Amount: money.MustParse("1.00")})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !ev.Approved {
		t.Errorf("absent category/recipient should pass: %+v", ev.Results)
	}

	ev, _ = engine.Evaluate(context.Background(), "wal_1", Candidate{
		Amount:      money.MustParse("1.00"),
		Category:    "gambling",
		RecipientID: "vendor-b",
	})
	if ev.Approved {
		t.Error("off-list category and recipient should fail")
	}
}

func TestTimeWindowHalfOpen(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	engine := NewEngine(store, &fakeSpends{spent: decimal.Zero})
	mustCreate(t, svc, "wal_1", KindTimeWindow, params(t, TimeWindowParams{StartHour: 9, EndHour: 17}), 0)

	at := func(hour int) *Evaluation {
		engine.WithClock(func() time.Time {
			return time.Date(2026, 3, 4, hour, 0, 0, 0, time.UTC)
		})
		ev, err := engine.Evaluate(context.Background(), "wal_1", Candidate{Amount: money.MustParse("1.00")})
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		return ev
	}

	if !at(9).Approved {
		t.Error("hour 9 should pass (inclusive start)")
	}
	if !at(16).Approved {
		t.Error("hour 16 should pass")
	}
	if at(17).Approved {
		t.Error("hour 17 should fail (exclusive end)")
	}
	if at(8).Approved {
		t.Error("hour 8 should fail")
	}
}

func TestTimeWindowWrapsMidnight(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	engine := NewEngine(store, &fakeSpends{spent: decimal.Zero})
	mustCreate(t, svc, "wal_1", KindTimeWindow, params(t, TimeWindowParams{StartHour: 22, EndHour: 6}), 0)

	at := func(hour int) *Evaluation {
		engine.WithClock(func() time.Time {
			return time.Date(2026, 3, 4, hour, 30, 0, 0, time.UTC)
		})
		ev, err := engine.Evaluate(context.Background(), "wal_1", Candidate{Amount: money.MustParse("1.00")})
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		return ev
	}

	if !at(23).Approved {
		t.Error("hour 23 should pass inside the overnight window")
	}
	if !at(2).Approved {
		t.Error("hour 2 should pass inside the overnight window")
	}
	if !at(22).Approved {
		t.Error("hour 22 should pass (inclusive start)")
	}
	if at(6).Approved {
		t.Error("hour 6 should fail (exclusive end)")
	}
	if at(12).Approved {
		t.Error("hour 12 should fail outside the overnight window")
	}
}

func TestSignalFilter(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	engine := NewEngine(store, &fakeSpends{spent: decimal.Zero})
	mustCreate(t, svc, "wal_1", KindSignalFilter, params(t, SignalFilterParams{AllowedSignals: []string{"strong", "medium"}}), 0)

	ev, _ := engine.Evaluate(context.Background(), "wal_1", Candidate{
		Amount:   money.MustParse("1.00"),
		Metadata: map[string]interface{}{"signalStrength": "strong"},
	})
	if !ev.Approved {
		t.Error("allowed signal should pass")
	}

	ev, _ = engine.Evaluate(context.Background(), "wal_1", Candidate{
		Amount:   money.MustParse("1.00"),
		Metadata: map[string]interface{}{"signalStrength": "weak"},
	})
	if ev.Approved {
		t.Error("disallowed signal should fail")
	}

	ev, _ = engine.Evaluate(context.Background(), "wal_1", Candidate{Amount: money.MustParse("1.00")})
	if ev.Approved {
		t.Error("missing signal should fail")
	}
}

func TestThrottleDailyLimits(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	r := mustCreate(t, svc, "wal_1", KindDailyLimit, params(t, LimitParams{Limit: "1000.00"}), 0)
	mustCreate(t, svc, "wal_1", KindPerTransactionLimit, params(t, LimitParams{Limit: "100.00"}), 0)

	throttled, err := svc.ThrottleDailyLimits(ctx, "wal_1")
	if err != nil {
		t.Fatalf("ThrottleDailyLimits: %v", err)
	}
	if len(throttled) != 1 || throttled[0] != r.ID {
		t.Fatalf("throttled = %v, want [%s]", throttled, r.ID)
	}

	got, _ := store.Get(ctx, r.ID)
	var p LimitParams
	_ = json.Unmarshal(got.Params, &p)
	if p.Limit != "100.00" {
		t.Errorf("throttled limit = %s, want 100.00", p.Limit)
	}
	if !got.Throttled {
		t.Error("rule not marked throttled")
	}

	// Throttling is idempotent per rule.
	throttled, _ = svc.ThrottleDailyLimits(ctx, "wal_1")
	if len(throttled) != 0 {
		t.Errorf("second throttle changed %v, want none", throttled)
	}
}
