package balance

import (
	"context"
	"time"
)

// Store persists balances. Missing balances read as zero rather than not
// found. Debits are conditional: a debit that would take a balance below zero
// fails with an insufficient-balance error and changes nothing. Credits that
// would overflow int64 fail and change nothing.
type Store interface {
	GetPayee(ctx context.Context, payee, asset string) (*PayeeBalance, error)
	ListPayee(ctx context.Context, payee string) ([]*PayeeBalance, error)
	CreditPayee(ctx context.Context, payee, asset string, amount int64, at time.Time) error
	DebitPayee(ctx context.Context, payee, asset string, amount int64, at time.Time) error

	GetFeePool(ctx context.Context, asset string) (*FeePool, error)
	ListFeePools(ctx context.Context) ([]*FeePool, error)
	CreditFeePool(ctx context.Context, asset string, amount int64, at time.Time) error
	DebitFeePool(ctx context.Context, asset string, amount int64, at time.Time) error
}
