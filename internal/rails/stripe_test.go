package rails

import (
	"testing"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v81"
)

func TestUSDAvailablePicksUSDBucket(t *testing.T) {
	bal := &stripe.Balance{
		Available: []*stripe.Amount{
			{Currency: stripe.CurrencyEUR, Amount: 99900},
			{Currency: stripe.CurrencyUSD, Amount: 12345},
		},
	}
	if got := usdAvailable(bal); !got.Equal(decimal.New(12345, -2)) {
		t.Fatalf("usdAvailable = %s, want 123.45", got)
	}
}

func TestUSDAvailableNoUSDBucket(t *testing.T) {
	bal := &stripe.Balance{
		Available: []*stripe.Amount{
			{Currency: stripe.CurrencyEUR, Amount: 500},
		},
	}
	if got := usdAvailable(bal); !got.IsZero() {
		t.Fatalf("usdAvailable = %s, want zero without a USD bucket", got)
	}
}

func TestCentsConversionRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		amount string
		cents  int64
	}{
		{"0.00", 0},
		{"0.01", 1},
		{"12.34", 1234},
		{"250.00", 25000},
	} {
		d, err := decimal.NewFromString(tc.amount)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.amount, err)
		}
		if got := toCents(d); got != tc.cents {
			t.Errorf("toCents(%s) = %d, want %d", tc.amount, got, tc.cents)
		}
		if got := fromCents(tc.cents); !got.Equal(d) {
			t.Errorf("fromCents(%d) = %s, want %s", tc.cents, got, tc.amount)
		}
	}
}
