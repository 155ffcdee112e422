// Package withdrawal defines the append-only audit log of value leaving the
// module: payee withdrawals and treasury fee collections.
package withdrawal

import (
	"time"

	"github.com/xraph/settle/id"
	"github.com/xraph/settle/types"
)

// Kind distinguishes payee withdrawals from fee collections.
type Kind string

const (
	KindPayeeWithdrawal Kind = "payee_withdrawal"
	KindFeeCollection   Kind = "fee_collection"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindPayeeWithdrawal || k == KindFeeCollection
}

// Record is one immutable withdrawal. Payee is empty for fee collections.
// Invoice is set when the caller attributed the withdrawal to a source
// invoice; Batch is set on every record written by one batch call.
type Record struct {
	ID          id.WithdrawalID `json:"id"`
	Kind        Kind            `json:"kind"`
	Payee       string          `json:"payee,omitempty"`
	Asset       string          `json:"asset"`
	Amount      int64           `json:"amount"`
	Destination string          `json:"destination"`
	Initiator   string          `json:"initiator"`
	Invoice     id.InvoiceID    `json:"invoice,omitzero"`
	Batch       id.BatchID      `json:"batch,omitzero"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Money returns the withdrawn amount as Money.
func (r *Record) Money() types.Money { return types.Of(r.Asset, r.Amount) }

// Filter selects withdrawal records. Zero-valued fields match everything.
// From is inclusive, To exclusive. Records are ordered by creation, oldest
// first unless Newest is set.
type Filter struct {
	Payee       string
	Destination string
	Asset       string
	Kind        Kind
	Initiator   string
	From        time.Time
	To          time.Time
	Newest      bool
	Limit       int
	Offset      int
}

// Match reports whether r satisfies every set field of f. Paging fields are
// ignored.
func (f Filter) Match(r *Record) bool {
	switch {
	case f.Payee != "" && r.Payee != f.Payee:
		return false
	case f.Destination != "" && r.Destination != f.Destination:
		return false
	case f.Asset != "" && r.Asset != f.Asset:
		return false
	case f.Kind != "" && r.Kind != f.Kind:
		return false
	case f.Initiator != "" && r.Initiator != f.Initiator:
		return false
	case !f.From.IsZero() && r.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && !r.CreatedAt.Before(f.To):
		return false
	}
	return true
}

// Unpaged returns f without Limit and Offset.
func (f Filter) Unpaged() Filter {
	f.Limit, f.Offset = 0, 0
	return f
}
