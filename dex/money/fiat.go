// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package money

import (
	"fmt"
)

// Currency is a finite, closed set of supported fiat currencies. Keeping it
// a tagged enum (rather than a free-form string) lets match acceptance do a
// cheap equality check instead of a locale-aware comparison.
type Currency uint8

const (
	EUR Currency = iota
	USD
	GBP
)

// scale is the number of decimal digits of the currency's minor unit, e.g.
// EUR cents are 1e-2 of a euro.
var scale = map[Currency]int{
	EUR: 2,
	USD: 2,
	GBP: 2,
}

func (c Currency) String() string {
	switch c {
	case EUR:
		return "EUR"
	case USD:
		return "USD"
	case GBP:
		return "GBP"
	default:
		return fmt.Sprintf("Currency(%d)", uint8(c))
	}
}

// FiatAmount is an exact (currency, minor-unit count) pair, e.g.
// FiatAmount{EUR, 1050} is exactly 10.50 EUR. It never carries a float.
type FiatAmount struct {
	Currency Currency
	Units    int64 // minor units: cents for EUR/USD/GBP
}

// NewFiatAmount constructs a FiatAmount from a whole-and-fractional pair,
// e.g. NewFiatAmount(EUR, 10, 50) == 10.50 EUR.
func NewFiatAmount(c Currency, whole, minor int64) FiatAmount {
	pow := int64(1)
	for i := 0; i < scale[c]; i++ {
		pow *= 10
	}
	return FiatAmount{Currency: c, Units: whole*pow + minor}
}

// Add returns a+b. Panics if the currencies differ; callers must check
// SameCurrency at the boundary where amounts from different sources meet
// (e.g. match acceptance).
func (a FiatAmount) Add(b FiatAmount) FiatAmount {
	if a.Currency != b.Currency {
		panic(fmt.Sprintf("money: currency mismatch %s vs %s", a.Currency, b.Currency))
	}
	return FiatAmount{Currency: a.Currency, Units: a.Units + b.Units}
}

// SameCurrency reports whether a and b share a currency.
func (a FiatAmount) SameCurrency(b FiatAmount) bool {
	return a.Currency == b.Currency
}

// Mul scales a fiat amount by a BitcoinAmount fraction num/den, used to
// derive the fiat micro-payment owed for a given BitcoinAmount share of the
// trade at a given price. The remainder of the integer division is returned
// explicitly rather than rounded away.
func (a FiatAmount) Mul(num, den int64) (result FiatAmount, remainder int64) {
	if den == 0 {
		return FiatAmount{Currency: a.Currency}, 0
	}
	total := a.Units * num
	q := total / den
	r := total % den
	return FiatAmount{Currency: a.Currency, Units: q}, r
}

func (a FiatAmount) String() string {
	pow := int64(1)
	for i := 0; i < scale[a.Currency]; i++ {
		pow *= 10
	}
	whole := a.Units / pow
	frac := a.Units % pow
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%0*d %s", whole, scale[a.Currency], frac, a.Currency)
}
