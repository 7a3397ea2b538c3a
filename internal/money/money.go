// Package money provides amount parsing and display formatting.
//
// Amounts are decimal.Decimal end to end; float math never touches a
// balance. Display formatting covers the currencies common in the
// deployment regions.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

// symbols maps supported ISO currency codes to display symbols.
var symbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"KES": "KSh ",
	"NGN": "₦",
	"INR": "₹",
	"GHS": "₵",
	"TZS": "TSh ",
	"UGX": "USh ",
	"XOF": "CFA ",
	"CDF": "FC ",
}

// Parse converts a decimal string into an amount. The amount must be a
// positive number with at most two fractional digits.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Exponent() < -2 {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// ValidCurrency reports whether the currency code is supported.
func ValidCurrency(code string) bool {
	_, ok := symbols[strings.ToUpper(code)]
	return ok
}

// Format renders an amount for display with the currency's symbol.
// Unknown codes fall back to "CODE amount".
func Format(amount decimal.Decimal, currency string) string {
	code := strings.ToUpper(currency)
	if sym, ok := symbols[code]; ok {
		return sym + amount.StringFixed(2)
	}
	return code + " " + amount.StringFixed(2)
}
