package memory

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/settle"
	"github.com/xraph/settle/balance"
	"github.com/xraph/settle/id"
	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/store"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/withdrawal"
)

var _ store.Store = (*txStore)(nil)

var errTxDone = errors.New("memory: transaction already finished")

// txStore is the view handed to Tx callbacks. The parent Store holds the
// write lock for its whole lifetime, so it touches state directly.
type txStore struct {
	s    *Store
	st   *state
	done bool
}

func (t *txStore) view() error {
	if t.done {
		return errTxDone
	}
	return nil
}

func (t *txStore) mutate(fn func() error) error {
	if t.done {
		return errTxDone
	}
	return t.s.checked(len(t.st.undo), fn())
}

func (t *txStore) CreateInvoice(_ context.Context, inv *invoice.Invoice) error {
	return t.mutate(func() error { return t.st.createInvoice(inv) })
}

func (t *txStore) GetInvoice(_ context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	if err := t.view(); err != nil {
		return nil, err
	}
	return t.st.getInvoice(invID)
}

func (t *txStore) ListInvoices(_ context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	if err := t.view(); err != nil {
		return nil, err
	}
	return t.st.listInvoices(opts), nil
}

func (t *txStore) MarkInvoicePaid(_ context.Context, invID id.InvoiceID, s invoice.Settlement) error {
	return t.mutate(func() error { return t.st.markInvoicePaid(invID, s) })
}

func (t *txStore) MarkInvoiceRefunded(_ context.Context, invID id.InvoiceID, at time.Time, actor string) error {
	return t.mutate(func() error { return t.st.markInvoiceRefunded(invID, at, actor) })
}

func (t *txStore) MarkInvoiceExpired(_ context.Context, invID id.InvoiceID, at time.Time, actor string) error {
	return t.mutate(func() error { return t.st.markInvoiceExpired(invID, at, actor) })
}

func (t *txStore) GetPayeeBalance(_ context.Context, payee, asset string) (*balance.PayeeBalance, error) {
	if err := t.view(); err != nil {
		return nil, err
	}
	return t.st.getPayeeBalance(payee, asset), nil
}

func (t *txStore) ListPayeeBalances(_ context.Context, payee string) ([]*balance.PayeeBalance, error) {
	if err := t.view(); err != nil {
		return nil, err
	}
	return t.st.listPayeeBalances(payee), nil
}

func (t *txStore) CreditPayee(_ context.Context, payee, asset string, amount int64, at time.Time) error {
	return t.mutate(func() error { return t.st.creditPayee(payee, asset, amount, at) })
}

func (t *txStore) DebitPayee(_ context.Context, payee, asset string, amount int64, at time.Time) error {
	return t.mutate(func() error { return t.st.debitPayee(payee, asset, amount, at) })
}

func (t *txStore) GetFeePool(_ context.Context, asset string) (*balance.FeePool, error) {
	if err := t.view(); err != nil {
		return nil, err
	}
	return t.st.getFeePool(asset), nil
}

func (t *txStore) ListFeePools(_ context.Context) ([]*balance.FeePool, error) {
	if err := t.view(); err != nil {
		return nil, err
	}
	return t.st.listFeePools(), nil
}

func (t *txStore) CreditFeePool(_ context.Context, asset string, amount int64, at time.Time) error {
	return t.mutate(func() error { return t.st.creditFeePool(asset, amount, at) })
}

func (t *txStore) DebitFeePool(_ context.Context, asset string, amount int64, at time.Time) error {
	return t.mutate(func() error { return t.st.debitFeePool(asset, amount, at) })
}

func (t *txStore) AppendWithdrawal(_ context.Context, r *withdrawal.Record) error {
	return t.mutate(func() error { return t.st.appendWithdrawal(r) })
}

func (t *txStore) GetWithdrawal(_ context.Context, recID id.WithdrawalID) (*withdrawal.Record, error) {
	if err := t.view(); err != nil {
		return nil, err
	}
	return t.st.getWithdrawal(recID)
}

func (t *txStore) ListWithdrawals(_ context.Context, f withdrawal.Filter) ([]*withdrawal.Record, error) {
	if err := t.view(); err != nil {
		return nil, err
	}
	return t.st.listWithdrawals(f), nil
}

func (t *txStore) CreateDestination(_ context.Context, d *treasury.Destination) error {
	return t.mutate(func() error { return t.st.createDestination(d) })
}

func (t *txStore) GetDestination(_ context.Context, address string) (*treasury.Destination, error) {
	if err := t.view(); err != nil {
		return nil, err
	}
	return t.st.getDestination(address)
}

func (t *txStore) ListDestinations(_ context.Context, opts treasury.ListOpts) ([]*treasury.Destination, error) {
	if err := t.view(); err != nil {
		return nil, err
	}
	return t.st.listDestinations(opts), nil
}

func (t *txStore) UpdateDestination(_ context.Context, d *treasury.Destination) error {
	return t.mutate(func() error { return t.st.updateDestination(d) })
}

func (t *txStore) DeleteDestination(_ context.Context, address string) error {
	return t.mutate(func() error { return t.st.deleteDestination(address) })
}

// Tx runs fn as a savepoint: its writes are undone if it fails, and the
// outer transaction decides the rest.
func (t *txStore) Tx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if err := t.view(); err != nil {
		return err
	}
	mark := len(t.st.undo)
	if err := fn(ctx, t); err != nil {
		t.st.rollback(mark)
		return err
	}
	return nil
}

func (t *txStore) Migrate(_ context.Context) error { return nil }

func (t *txStore) Ping(_ context.Context) error { return t.view() }

// Close is rejected inside a transaction.
func (t *txStore) Close() error {
	return settle.ErrInvalidState
}
