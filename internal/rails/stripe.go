package rails

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeRail sends fiat transfers to Stripe connected accounts.
type StripeRail struct {
	api    *client.API
	logger *slog.Logger
}

var _ Rail = (*StripeRail)(nil)

// NewStripeRail creates a Stripe-backed rail with the given secret key.
func NewStripeRail(apiKey string, logger *slog.Logger) *StripeRail {
	if logger == nil {
		logger = slog.Default()
	}
	api := &client.API{}
	api.Init(apiKey, nil)
	return &StripeRail{api: api, logger: logger}
}

func (s *StripeRail) Name() string { return "stripe" }

// CreateAccount provisions an Express connected account for payouts.
func (s *StripeRail) CreateAccount(ctx context.Context, agentID string) (string, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeExpress)),
		Metadata: map[string]string{
			"agent_id": agentID,
		},
	}
	params.Context = ctx
	acct, err := s.api.Accounts.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe account create: %w", err)
	}
	s.logger.Info("stripe account created", "agent", agentID, "account", acct.ID)
	return acct.ID, nil
}

// Send transfers to the destination connected account. Amounts are
// converted to cents; Stripe declines surface as unsuccessful results,
// not errors.
func (s *StripeRail) Send(ctx context.Context, req SendRequest) (res *SendResult, err error) {
	defer func() { observeSend(s.Name(), res, err) }()

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(toCents(req.Amount)),
		Currency:    stripe.String(string(stripe.CurrencyUSD)),
		Destination: stripe.String(req.Destination),
		Metadata: map[string]string{
			"agent_id":       req.AgentID,
			"transaction_id": req.Reference,
		},
	}
	params.Context = ctx
	tr, err := s.api.Transfers.New(params)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok {
			return &SendResult{Success: false, Reason: stripeErr.Msg}, nil
		}
		return nil, fmt.Errorf("stripe transfer: %w", err)
	}
	return &SendResult{RailTxID: tr.ID, Success: true}, nil
}

// Balance reports the platform's available USD balance.
func (s *StripeRail) Balance(ctx context.Context, _ string) (decimal.Decimal, error) {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	bal, err := s.api.Balance.Get(params)
	if err != nil {
		return decimal.Zero, fmt.Errorf("stripe balance: %w", err)
	}
	return usdAvailable(bal), nil
}

// usdAvailable picks the available USD bucket out of a balance. Stripe
// reports one bucket per settlement currency; a missing USD bucket means
// zero.
func usdAvailable(bal *stripe.Balance) decimal.Decimal {
	for _, avail := range bal.Available {
		if avail.Currency == stripe.CurrencyUSD {
			return fromCents(avail.Amount)
		}
	}
	return decimal.Zero
}

func toCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).IntPart()
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
