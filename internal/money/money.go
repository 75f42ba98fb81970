// Package money provides shared amount parsing and formatting utilities.
//
// All monetary values are non-negative decimals with a fixed scale of
// 2 (e.g. "10.50"). Amounts are carried as decimal.Decimal internally
// and as fixed-scale strings on the wire and in the database.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of decimal places every amount carries.
const Scale = 2

var (
	ErrInvalid  = errors.New("money: invalid amount")
	ErrNegative = errors.New("money: negative amount")
)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "1.50") into an amount.
//
// Rules:
//   - Empty string parses to zero
//   - Negative amounts are rejected
//   - More than 2 fractional digits are rejected
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	if d.Exponent() < -Scale {
		return decimal.Zero, ErrInvalid
	}
	return d, nil
}

// MustParse is Parse for trusted literals. It panics on invalid input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders an amount with exactly 2 decimal places (e.g. "1.50").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
