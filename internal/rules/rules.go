// Package rules implements per-wallet spend rules and their evaluation.
//
// Rule kinds are a closed set. Every active rule on a wallet is
// evaluated on every admission in descending priority order, without
// short-circuiting, so the audit trail carries one result per rule.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentwallet/internal/money"
)

var (
	ErrRuleNotFound = errors.New("rules: rule not found")
	ErrUnknownKind  = errors.New("rules: unknown rule kind")
)

// Rule kinds.
const (
	KindPerTransactionLimit = "per_transaction_limit"
	KindDailyLimit          = "daily_limit"
	KindWeeklyLimit         = "weekly_limit"
	KindMonthlyLimit        = "monthly_limit"
	KindCategoryWhitelist   = "category_whitelist"
	KindCategoryBlacklist   = "category_blacklist"
	KindRecipientWhitelist  = "recipient_whitelist"
	KindRecipientBlacklist  = "recipient_blacklist"
	KindTimeWindow          = "time_window"
	KindApprovalThreshold   = "approval_threshold"
	KindSignalFilter        = "signal_filter"
)

// SpendRule is a single constraint on a wallet.
type SpendRule struct {
	ID        string          `json:"id"`
	WalletID  string          `json:"walletId"`
	Kind      string          `json:"kind"`
	Params    json.RawMessage `json:"params"`
	Active    bool            `json:"active"`
	Priority  int             `json:"priority"` // higher = evaluated first
	Throttled bool            `json:"throttled,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// LimitParams is used by the per-transaction, daily, weekly and monthly
// limit kinds. Limit is a fixed-scale decimal string.
type LimitParams struct {
	Limit string `json:"limit"`
}

// CategoryListParams is used by category whitelist/blacklist kinds.
type CategoryListParams struct {
	Categories []string `json:"categories"`
}

// RecipientListParams is used by recipient whitelist/blacklist kinds.
type RecipientListParams struct {
	Recipients []string `json:"recipients"`
}

// TimeWindowParams restricts spends to UTC hours [StartHour, EndHour).
type TimeWindowParams struct {
	StartHour int `json:"startHour"`
	EndHour   int `json:"endHour"`
}

// ApprovalThresholdParams flags amounts above Threshold for human
// approval. The rule itself always passes.
type ApprovalThresholdParams struct {
	Threshold string `json:"threshold"`
}

// SignalFilterParams admits only spends whose metadata carries one of
// the allowed signal strengths.
type SignalFilterParams struct {
	AllowedSignals []string `json:"allowedSignals"`
}

// ValidateRule checks a rule's kind and params at creation time.
func ValidateRule(r *SpendRule) error {
	switch r.Kind {
	case KindPerTransactionLimit, KindDailyLimit, KindWeeklyLimit, KindMonthlyLimit:
		var p LimitParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			return fmt.Errorf("%s: invalid params: %w", r.Kind, err)
		}
		limit, err := money.Parse(p.Limit)
		if err != nil || !limit.IsPositive() {
			return fmt.Errorf("%s: limit must be a positive amount", r.Kind)
		}
	case KindCategoryWhitelist, KindCategoryBlacklist:
		var p CategoryListParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			return fmt.Errorf("%s: invalid params: %w", r.Kind, err)
		}
		if len(p.Categories) == 0 {
			return fmt.Errorf("%s: categories must not be empty", r.Kind)
		}
	case KindRecipientWhitelist, KindRecipientBlacklist:
		var p RecipientListParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			return fmt.Errorf("%s: invalid params: %w", r.Kind, err)
		}
		if len(p.Recipients) == 0 {
			return fmt.Errorf("%s: recipients must not be empty", r.Kind)
		}
	case KindTimeWindow:
		var p TimeWindowParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			return fmt.Errorf("time_window: invalid params: %w", err)
		}
		if p.StartHour < 0 || p.StartHour > 23 {
			return fmt.Errorf("time_window: startHour must be 0-23")
		}
		if p.EndHour < 0 || p.EndHour > 23 {
			return fmt.Errorf("time_window: endHour must be 0-23")
		}
		if p.StartHour == p.EndHour {
			return fmt.Errorf("time_window: window must not be empty")
		}
	case KindApprovalThreshold:
		var p ApprovalThresholdParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			return fmt.Errorf("approval_threshold: invalid params: %w", err)
		}
		threshold, err := money.Parse(p.Threshold)
		if err != nil || !threshold.IsPositive() {
			return fmt.Errorf("approval_threshold: threshold must be a positive amount")
		}
	case KindSignalFilter:
		var p SignalFilterParams
		if err := json.Unmarshal(r.Params, &p); err != nil {
			return fmt.Errorf("signal_filter: invalid params: %w", err)
		}
		if len(p.AllowedSignals) == 0 {
			return fmt.Errorf("signal_filter: allowedSignals must not be empty")
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	return nil
}
