// Package types provides common value types used across Settle.
package types

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Money is an amount of a single fungible asset in its smallest unit.
// All arithmetic is integer-only. Asset codes are compared verbatim.
//
// Examples:
//   - Of("usd", 1000) = 10.00 USD with 2 decimals
//   - Of("gas", 150000000) = 1.5 GAS with 8 decimals
type Money struct {
	Amount int64  `json:"amount"`
	Asset  string `json:"asset"`
}

// Of creates a Money value for the given asset.
func Of(asset string, amount int64) Money { return Money{Amount: amount, Asset: asset} }

// Zero returns a zero Money value of the given asset.
func Zero(asset string) Money { return Money{Asset: asset} }

// Add adds two Money values. Panics if assets don't match.
func (m Money) Add(other Money) Money {
	m.assertSameAsset(other)
	return Money{Amount: m.Amount + other.Amount, Asset: m.Asset}
}

// AddChecked adds two Money values and reports false on int64 overflow.
// Panics if assets don't match.
func (m Money) AddChecked(other Money) (Money, bool) {
	m.assertSameAsset(other)
	sum, ok := AddInt64(m.Amount, other.Amount)
	return Money{Amount: sum, Asset: m.Asset}, ok
}

// Sub subtracts another Money value. Panics if assets don't match.
func (m Money) Sub(other Money) Money {
	m.assertSameAsset(other)
	return Money{Amount: m.Amount - other.Amount, Asset: m.Asset}
}

// IsZero returns true if the amount is zero.
func (m Money) IsZero() bool { return m.Amount == 0 }

// IsPositive returns true if the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Amount > 0 }

// IsNegative returns true if the amount is less than zero.
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Equal returns true if both values have the same amount and asset.
func (m Money) Equal(other Money) bool {
	return m.Amount == other.Amount && m.Asset == other.Asset
}

// Covers reports whether m is of the same asset and at least as large as required.
func (m Money) Covers(required Money) bool {
	return m.Asset == required.Asset && m.Amount >= required.Amount
}

// SplitFee divides m into the fee charged at rate and the remainder.
// The fee is rounded down so the payee never receives less than its share.
func (m Money) SplitFee(rate BPS) (fee, net Money) {
	f := rate.Of(m.Amount)
	return Money{Amount: f, Asset: m.Asset}, Money{Amount: m.Amount - f, Asset: m.Asset}
}

// Decimal returns the amount in major units for an asset with the given
// number of decimal places.
func (m Money) Decimal(decimals int32) decimal.Decimal {
	return decimal.New(m.Amount, -decimals)
}

// Format renders the amount in major units, e.g. "10.00 usd".
func (m Money) Format(decimals int32) string {
	return m.Decimal(decimals).StringFixed(decimals) + " " + m.Asset
}

// String returns the raw minor-unit form, e.g. "1000 usd".
func (m Money) String() string {
	return fmt.Sprintf("%d %s", m.Amount, m.Asset)
}

// MarshalJSON implements json.Marshaler.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Amount int64  `json:"amount"`
		Asset  string `json:"asset"`
	}{
		Amount: m.Amount,
		Asset:  m.Asset,
	})
}

func (m Money) assertSameAsset(other Money) {
	if m.Asset != other.Asset {
		panic(fmt.Sprintf("money: asset mismatch: %s != %s", m.Asset, other.Asset))
	}
}

// AddInt64 returns a+b and false if the sum overflows.
func AddInt64(a, b int64) (int64, bool) {
	if b > 0 && a > math.MaxInt64-b {
		return 0, false
	}
	if b < 0 && a < math.MinInt64-b {
		return 0, false
	}
	return a + b, true
}

// Sum adds Money values of one asset. It panics on an asset mismatch and
// returns the zero value for an empty list.
func Sum(values ...Money) Money {
	if len(values) == 0 {
		return Money{}
	}
	result := values[0]
	for _, v := range values[1:] {
		result = result.Add(v)
	}
	return result
}
