// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package money implements the exact-arithmetic amount types used
// throughout the trading engine: BitcoinAmount (satoshi) and FiatAmount
// (currency-scaled minor units). Neither type ever rounds silently.
package money

import "fmt"

// SatoshiPerBTC is the number of satoshi in one bitcoin.
const SatoshiPerBTC = 1e8

// BitcoinAmount is an exact count of satoshi.
type BitcoinAmount int64

// String formats the amount as whole-and-fractional BTC.
func (a BitcoinAmount) String() string {
	whole := int64(a) / SatoshiPerBTC
	frac := int64(a) % SatoshiPerBTC
	if frac < 0 {
		frac = -frac
	}
	return fmt.Sprintf("%d.%08d BTC", whole, frac)
}

// Split divides a into n equal shares, where n is the step count of an
// exchange. Because satoshi don't always divide evenly by n, Split returns
// the per-step share and the leftover remainder explicitly instead of
// rounding it away; callers are expected to add the remainder to the final
// step.
func (a BitcoinAmount) Split(n int) (share, remainder BitcoinAmount) {
	if n <= 0 {
		return 0, a
	}
	share = BitcoinAmount(int64(a) / int64(n))
	remainder = a - share*BitcoinAmount(n)
	return share, remainder
}

// AtStep returns the cumulative amount exchanged after completing k of n
// steps of a total amount a.
func AtStep(total BitcoinAmount, k, n int) BitcoinAmount {
	if n <= 0 {
		return 0
	}
	if k <= 0 {
		return 0
	}
	if k >= n {
		return total
	}
	share, _ := total.Split(n)
	return share * BitcoinAmount(k)
}
