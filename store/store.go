package store

import (
	"context"
	"time"

	"github.com/xraph/settle/balance"
	"github.com/xraph/settle/id"
	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/withdrawal"
)

// Store is the unified storage interface for all Settle entities.
// Instead of embedding the sub-interfaces, we explicitly declare all methods
// to avoid naming conflicts.
type Store interface {
	// Invoice methods
	CreateInvoice(ctx context.Context, inv *invoice.Invoice) error
	GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error)
	ListInvoices(ctx context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error)
	MarkInvoicePaid(ctx context.Context, invID id.InvoiceID, s invoice.Settlement) error
	MarkInvoiceRefunded(ctx context.Context, invID id.InvoiceID, at time.Time, actor string) error
	MarkInvoiceExpired(ctx context.Context, invID id.InvoiceID, at time.Time, actor string) error

	// Balance methods
	GetPayeeBalance(ctx context.Context, payee, asset string) (*balance.PayeeBalance, error)
	ListPayeeBalances(ctx context.Context, payee string) ([]*balance.PayeeBalance, error)
	CreditPayee(ctx context.Context, payee, asset string, amount int64, at time.Time) error
	DebitPayee(ctx context.Context, payee, asset string, amount int64, at time.Time) error
	GetFeePool(ctx context.Context, asset string) (*balance.FeePool, error)
	ListFeePools(ctx context.Context) ([]*balance.FeePool, error)
	CreditFeePool(ctx context.Context, asset string, amount int64, at time.Time) error
	DebitFeePool(ctx context.Context, asset string, amount int64, at time.Time) error

	// Withdrawal methods
	AppendWithdrawal(ctx context.Context, r *withdrawal.Record) error
	GetWithdrawal(ctx context.Context, recID id.WithdrawalID) (*withdrawal.Record, error)
	ListWithdrawals(ctx context.Context, f withdrawal.Filter) ([]*withdrawal.Record, error)

	// Treasury destination methods
	CreateDestination(ctx context.Context, d *treasury.Destination) error
	GetDestination(ctx context.Context, address string) (*treasury.Destination, error)
	ListDestinations(ctx context.Context, opts treasury.ListOpts) ([]*treasury.Destination, error)
	UpdateDestination(ctx context.Context, d *treasury.Destination) error
	DeleteDestination(ctx context.Context, address string) error

	// Tx runs fn against a transactional view of the store. If fn returns an
	// error, every write fn made is discarded and that error is returned
	// unchanged. If committing fails, Tx returns an error wrapping
	// settle.ErrTransactionFailed. Nested calls on the view run inside the
	// outer transaction.
	Tx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Core methods
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
