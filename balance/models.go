// Package balance holds the per-payee and per-asset fee pool balances the
// settlement engine credits and debits.
package balance

import (
	"time"

	"github.com/xraph/settle/types"
)

// PayeeBalance is the withdrawable amount of one asset owed to a payee.
// A balance exists from its first credit and is never deleted, even at zero.
type PayeeBalance struct {
	Payee     string    `json:"payee"`
	Asset     string    `json:"asset"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Money returns the balance as Money.
func (b *PayeeBalance) Money() types.Money { return types.Of(b.Asset, b.Amount) }

// FeePool is the amount of one asset collected as fees and awaiting
// treasury collection.
type FeePool struct {
	Asset     string    `json:"asset"`
	Amount    int64     `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Money returns the pool as Money.
func (p *FeePool) Money() types.Money { return types.Of(p.Asset, p.Amount) }
