package types

import (
	"fmt"
	"math/bits"

	"github.com/shopspring/decimal"
)

// BPS is a rate expressed in basis points (1/100 of a percent).
type BPS uint32

// MaxBPS is 100%.
const MaxBPS BPS = 10000

// Valid reports whether the rate is within [0, 100%].
func (b BPS) Valid() bool { return b <= MaxBPS }

// Of returns floor(amount × b / 10000). Negative amounts yield 0 and rates
// above 100% are treated as 100%. The product is computed in 128 bits so no
// int64 amount can overflow.
func (b BPS) Of(amount int64) int64 {
	if amount <= 0 || b == 0 {
		return 0
	}
	b = b.Cap(MaxBPS)
	hi, lo := bits.Mul64(uint64(amount), uint64(b))
	q, _ := bits.Div64(hi, lo, uint64(MaxBPS))
	return int64(q)
}

// Cap returns the smaller of b and max.
func (b BPS) Cap(max BPS) BPS {
	if b > max {
		return max
	}
	return b
}

// Percent returns the rate as a percentage, e.g. 250 bps = 2.5.
func (b BPS) Percent() decimal.Decimal {
	return decimal.New(int64(b), -2)
}

// String returns e.g. "250bps".
func (b BPS) String() string {
	return fmt.Sprintf("%dbps", uint32(b))
}
