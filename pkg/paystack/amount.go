package paystack

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var koboPerNaira = decimal.NewFromInt(100)

// KoboFromNaira converts a naira amount to integer kobo, rejecting values
// with sub-kobo precision. Providers quote prices in naira; the ledger only
// ever stores kobo.
func KoboFromNaira(naira decimal.Decimal) (int64, error) {
	kobo := naira.Mul(koboPerNaira)
	if !kobo.IsInteger() {
		return 0, fmt.Errorf("amount %s has sub-kobo precision", naira)
	}
	return kobo.IntPart(), nil
}

// NairaFromKobo renders integer kobo as a naira decimal for display.
func NairaFromKobo(kobo int64) decimal.Decimal {
	return decimal.NewFromInt(kobo).Div(koboPerNaira)
}
