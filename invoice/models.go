package invoice

import (
	"time"

	"github.com/xraph/settle/id"
	"github.com/xraph/settle/types"
)

// Status is the lifecycle state of an invoice.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusRefunded Status = "refunded"
	StatusExpired  Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusRefunded || s == StatusExpired
}

// CanTransition reports whether s may move to next. The only legal moves are
// pending→paid, pending→expired and paid→refunded.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusPaid || next == StatusExpired
	case StatusPaid:
		return next == StatusRefunded
	}
	return false
}

// Invoice is a payment request from a payee listing the asset/amount
// combinations it accepts.
type Invoice struct {
	types.Entity
	ID        id.InvoiceID  `json:"id"`
	Payee     string        `json:"payee"`
	Options   []types.Money `json:"options"`
	Status    Status        `json:"status"`
	ExpiresAt time.Time     `json:"expires_at"`

	// Set on settlement.
	Payer     string      `json:"payer,omitempty"`
	Settled   types.Money `json:"settled"`
	Fee       int64       `json:"fee"`
	FeeBps    types.BPS   `json:"fee_bps"`
	SettledAt *time.Time  `json:"settled_at,omitempty"`

	RefundedAt *time.Time `json:"refunded_at,omitempty"`
	ClosedBy   string     `json:"closed_by,omitempty"`

	Memo     string            `json:"memo,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Resolution is the outcome of matching a presented payment against an
// invoice's options.
type Resolution int

const (
	Resolved Resolution = iota
	AssetNotAccepted
	Underpaid
)

func (r Resolution) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case AssetNotAccepted:
		return "asset_not_accepted"
	case Underpaid:
		return "underpaid"
	default:
		return "unknown"
	}
}

// Resolve selects the first option, in stored order, whose asset matches.
// The presented amount must cover that option; any excess is accepted.
// Later options with the same asset are never consulted.
func (inv *Invoice) Resolve(asset string, amount int64) (types.Money, Resolution) {
	for _, opt := range inv.Options {
		if opt.Asset != asset {
			continue
		}
		if amount < opt.Amount {
			return opt, Underpaid
		}
		return opt, Resolved
	}
	return types.Money{}, AssetNotAccepted
}

// Accepts reports whether asset appears in any option.
func (inv *Invoice) Accepts(asset string) bool {
	_, r := inv.Resolve(asset, 0)
	return r != AssetNotAccepted
}

// PayeeCredit is the settled amount minus the fee charged at settlement.
func (inv *Invoice) PayeeCredit() types.Money {
	return types.Of(inv.Settled.Asset, inv.Settled.Amount-inv.Fee)
}

// FeeCharged is the fee recorded at settlement as Money.
func (inv *Invoice) FeeCharged() types.Money {
	return types.Of(inv.Settled.Asset, inv.Fee)
}

// Overdue reports whether a pending invoice has passed its expiry at now.
func (inv *Invoice) Overdue(now time.Time) bool {
	return inv.Status == StatusPending && now.After(inv.ExpiresAt)
}

// Clone returns a deep copy.
func (inv *Invoice) Clone() *Invoice {
	if inv == nil {
		return nil
	}
	c := *inv
	c.Options = append([]types.Money(nil), inv.Options...)
	if inv.SettledAt != nil {
		t := *inv.SettledAt
		c.SettledAt = &t
	}
	if inv.RefundedAt != nil {
		t := *inv.RefundedAt
		c.RefundedAt = &t
	}
	if inv.Metadata != nil {
		c.Metadata = make(map[string]string, len(inv.Metadata))
		for k, v := range inv.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Settlement carries the fields written when an invoice is paid.
type Settlement struct {
	Payer  string
	Amount types.Money
	Fee    int64
	FeeBps types.BPS
	At     time.Time
}

// Apply writes s onto inv and marks it paid.
func (s Settlement) Apply(inv *Invoice) {
	at := s.At
	inv.Status = StatusPaid
	inv.Payer = s.Payer
	inv.Settled = s.Amount
	inv.Fee = s.Fee
	inv.FeeBps = s.FeeBps
	inv.SettledAt = &at
	inv.Touch(at)
}
