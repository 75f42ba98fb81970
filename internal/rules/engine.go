package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/agentwallet/internal/ledger"
	"github.com/mbd888/agentwallet/internal/money"
)

// Candidate is a spend under evaluation.
type Candidate struct {
	Amount        decimal.Decimal
	Category      string
	RecipientID   string
	RecipientType ledger.RecipientType
	Metadata      map[string]interface{}
}

// Result is the outcome of one rule against one candidate.
type Result struct {
	RuleID  string                 `json:"ruleId"`
	Kind    string                 `json:"kind"`
	Passed  bool                   `json:"passed"`
	Reason  string                 `json:"reason,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Evaluation is the structured verdict for a candidate.
type Evaluation struct {
	Approved         bool      `json:"approved"`
	RequiresApproval bool      `json:"requiresApproval"`
	Results          []Result  `json:"results"`
	EvaluatedAt      time.Time `json:"evaluatedAt"`
}

// FailedKinds returns the kinds of rules that did not pass.
func (e *Evaluation) FailedKinds() []string {
	var kinds []string
	for _, r := range e.Results {
		if !r.Passed {
			kinds = append(kinds, r.Kind)
		}
	}
	return kinds
}

// SpendReader supplies rolling spend aggregates for limit rules.
type SpendReader interface {
	SpendBetween(ctx context.Context, walletID string, from, to time.Time) (decimal.Decimal, error)
}

// Engine evaluates a wallet's active rules against a candidate.
type Engine struct {
	store  Store
	spends SpendReader
	now    func() time.Time
}

// NewEngine creates an evaluation engine.
func NewEngine(store Store, spends SpendReader) *Engine {
	return &Engine{store: store, spends: spends, now: time.Now}
}

// WithClock overrides the engine clock (for tests).
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Evaluate runs every active rule in descending priority order. It
// never short-circuits: each rule contributes a Result so the audit
// trail is complete. Approved is true iff every blocking rule passed;
// RequiresApproval is true if any approval-threshold rule flagged the
// amount.
func (e *Engine) Evaluate(ctx context.Context, walletID string, c Candidate) (*Evaluation, error) {
	active, err := e.store.ListByWallet(ctx, walletID, true)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Priority != active[j].Priority {
			return active[i].Priority > active[j].Priority
		}
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})

	now := e.now()
	ev := &Evaluation{Approved: true, EvaluatedAt: now}
	for _, rule := range active {
		res := e.evaluateRule(ctx, rule, c, now)
		ev.Results = append(ev.Results, res)
		if rule.Kind == KindApprovalThreshold {
			if flagged, ok := res.Details["requiresApproval"].(bool); ok && flagged {
				ev.RequiresApproval = true
			}
			continue
		}
		if !res.Passed {
			ev.Approved = false
		}
	}
	return ev, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule *SpendRule, c Candidate, now time.Time) Result {
	res := Result{RuleID: rule.ID, Kind: rule.Kind, Passed: true}

	switch rule.Kind {
	case KindPerTransactionLimit:
		limit, ok := limitOf(rule, &res)
		if !ok {
			return res
		}
		if c.Amount.GreaterThan(limit) {
			res.Passed = false
			res.Reason = fmt.Sprintf("amount %s exceeds per-transaction limit %s", money.Format(c.Amount), money.Format(limit))
		}
		res.Details = map[string]interface{}{"limit": money.Format(limit)}

	case KindDailyLimit:
		e.evalWindowLimit(ctx, rule, c, ledger.StartOfDay(now), "daily", &res)
	case KindWeeklyLimit:
		e.evalWindowLimit(ctx, rule, c, ledger.StartOfWeek(now), "weekly", &res)
	case KindMonthlyLimit:
		e.evalWindowLimit(ctx, rule, c, ledger.StartOfMonth(now), "monthly", &res)

	case KindCategoryWhitelist:
		var p CategoryListParams
		if err := json.Unmarshal(rule.Params, &p); err != nil {
			return malformed(rule, res, err)
		}
		if c.Category != "" && !contains(p.Categories, c.Category) {
			res.Passed = false
			res.Reason = fmt.Sprintf("category %q not in whitelist", c.Category)
		}

	case KindCategoryBlacklist:
		var p CategoryListParams
		if err := json.Unmarshal(rule.Params, &p); err != nil {
			return malformed(rule, res, err)
		}
		if c.Category != "" && contains(p.Categories, c.Category) {
			res.Passed = false
			res.Reason = fmt.Sprintf("category %q is blacklisted", c.Category)
		}

	case KindRecipientWhitelist:
		var p RecipientListParams
		if err := json.Unmarshal(rule.Params, &p); err != nil {
			return malformed(rule, res, err)
		}
		if c.RecipientID != "" && !contains(p.Recipients, c.RecipientID) {
			res.Passed = false
			res.Reason = fmt.Sprintf("recipient %q not in whitelist", c.RecipientID)
		}

	case KindRecipientBlacklist:
		var p RecipientListParams
		if err := json.Unmarshal(rule.Params, &p); err != nil {
			return malformed(rule, res, err)
		}
		if c.RecipientID != "" && contains(p.Recipients, c.RecipientID) {
			res.Passed = false
			res.Reason = fmt.Sprintf("recipient %q is blacklisted", c.RecipientID)
		}

	case KindTimeWindow:
		var p TimeWindowParams
		if err := json.Unmarshal(rule.Params, &p); err != nil {
			return malformed(rule, res, err)
		}
		// Half-open window [startHour, endHour) in UTC. A start after
		// the end wraps past midnight, e.g. [22, 6) allows 22:00-05:59.
		hour := now.UTC().Hour()
		inside := hour >= p.StartHour && hour < p.EndHour
		if p.StartHour > p.EndHour {
			inside = hour >= p.StartHour || hour < p.EndHour
		}
		if !inside {
			res.Passed = false
			res.Reason = fmt.Sprintf("outside allowed hours [%d, %d) UTC", p.StartHour, p.EndHour)
		}

	case KindApprovalThreshold:
		var p ApprovalThresholdParams
		if err := json.Unmarshal(rule.Params, &p); err != nil {
			return malformed(rule, res, err)
		}
		threshold, err := money.Parse(p.Threshold)
		if err != nil {
			return malformed(rule, res, err)
		}
		flagged := c.Amount.GreaterThan(threshold)
		res.Details = map[string]interface{}{
			"threshold":        money.Format(threshold),
			"requiresApproval": flagged,
		}
		if flagged {
			res.Reason = fmt.Sprintf("amount %s above approval threshold %s", money.Format(c.Amount), money.Format(threshold))
		}

	case KindSignalFilter:
		var p SignalFilterParams
		if err := json.Unmarshal(rule.Params, &p); err != nil {
			return malformed(rule, res, err)
		}
		signal, _ := metadataString(c.Metadata, "signalStrength")
		if signal == "" {
			res.Passed = false
			res.Reason = "no signal strength in metadata"
		} else if !contains(p.AllowedSignals, signal) {
			res.Passed = false
			res.Reason = fmt.Sprintf("signal strength %q not allowed", signal)
		}

	default:
		// Unknown kinds are rejected at creation; treat defensively as
		// a failed check if one slips through.
		res.Passed = false
		res.Reason = fmt.Sprintf("unknown rule kind %q", rule.Kind)
	}

	return res
}

// evalWindowLimit checks spend(wallet, since) + amount <= limit.
// Amounts exactly at the limit pass.
func (e *Engine) evalWindowLimit(ctx context.Context, rule *SpendRule, c Candidate, since time.Time, window string, res *Result) {
	limit, ok := limitOf(rule, res)
	if !ok {
		return
	}
	spent, err := e.spends.SpendBetween(ctx, rule.WalletID, since, time.Time{})
	if err != nil {
		// Fail closed: an unreadable aggregate must not admit a spend.
		res.Passed = false
		res.Reason = fmt.Sprintf("%s spend lookup failed: %v", window, err)
		return
	}
	projected := spent.Add(c.Amount)
	res.Details = map[string]interface{}{
		"limit":     money.Format(limit),
		"spent":     money.Format(spent),
		"projected": money.Format(projected),
	}
	if projected.GreaterThan(limit) {
		res.Passed = false
		res.Reason = fmt.Sprintf("projected %s spend %s exceeds limit %s", window, money.Format(projected), money.Format(limit))
	}
}

func limitOf(rule *SpendRule, res *Result) (decimal.Decimal, bool) {
	var p LimitParams
	if err := json.Unmarshal(rule.Params, &p); err != nil {
		*res = malformed(rule, *res, err)
		return decimal.Zero, false
	}
	limit, err := money.Parse(p.Limit)
	if err != nil {
		*res = malformed(rule, *res, err)
		return decimal.Zero, false
	}
	return limit, true
}

func malformed(rule *SpendRule, res Result, err error) Result {
	res.Passed = false
	res.Reason = fmt.Sprintf("%s: malformed params: %v", rule.Kind, err)
	return res
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func metadataString(m map[string]interface{}, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}
