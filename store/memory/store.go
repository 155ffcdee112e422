// Package memory provides an in-process store.Store. It is the reference
// backend for tests and single-process deployments: all data lives in an
// arena of records plus index maps, guarded by one RWMutex.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/settle"
	"github.com/xraph/settle/balance"
	"github.com/xraph/settle/id"
	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/store"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/withdrawal"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

// ErrInconsistent is returned when verification finds the indexes out of
// step with the arenas.
var ErrInconsistent = errors.New("memory: inconsistent state")

// Option configures a Store.
type Option func(*Store)

// WithVerify re-checks index and arena consistency after every mutation. A
// mutation that leaves the store inconsistent fails with ErrInconsistent and
// is undone; in a transaction the whole transaction is rolled back.
func WithVerify() Option {
	return func(s *Store) { s.verify = true }
}

// Store is an in-memory store.Store.
type Store struct {
	mu     sync.RWMutex
	st     *state
	verify bool
	closed bool
	failTx []error
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{st: newState()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailNextCommit makes the next transaction fail at commit with err wrapped
// in settle.ErrTransactionFailed, after fn has run successfully. Writes made
// by fn are rolled back.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTx = append(s.failTx, err)
}

// Verify runs the consistency check on demand.
func (s *Store) Verify() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.st.verify(); err != nil {
		return fmt.Errorf("%w: %w", ErrInconsistent, err)
	}
	return nil
}

func (s *Store) read(fn func(st *state) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return settle.ErrStoreClosed
	}
	return fn(s.st)
}

func (s *Store) write(fn func(st *state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return settle.ErrStoreClosed
	}
	if !s.verify {
		return fn(s.st)
	}
	s.st.undo = make([]func(), 0, 4)
	defer func() { s.st.undo = nil }()
	return s.checked(0, fn(s.st))
}

// checked runs verification after a mutation when enabled. A mutation that
// fails or leaves the state inconsistent is undone back to journal position
// mark.
func (s *Store) checked(mark int, err error) error {
	if !s.verify {
		return err
	}
	if err != nil {
		s.st.rollback(mark)
		return err
	}
	if verr := s.st.verify(); verr != nil {
		s.st.rollback(mark)
		return fmt.Errorf("%w: %w", ErrInconsistent, verr)
	}
	return nil
}

// ==================== Invoices ====================

func (s *Store) CreateInvoice(_ context.Context, inv *invoice.Invoice) error {
	return s.write(func(st *state) error { return st.createInvoice(inv) })
}

func (s *Store) GetInvoice(_ context.Context, invID id.InvoiceID) (inv *invoice.Invoice, err error) {
	err = s.read(func(st *state) error {
		inv, err = st.getInvoice(invID)
		return err
	})
	return inv, err
}

func (s *Store) ListInvoices(_ context.Context, opts invoice.ListOpts) (list []*invoice.Invoice, err error) {
	err = s.read(func(st *state) error {
		list = st.listInvoices(opts)
		return nil
	})
	return list, err
}

func (s *Store) MarkInvoicePaid(_ context.Context, invID id.InvoiceID, settlement invoice.Settlement) error {
	return s.write(func(st *state) error { return st.markInvoicePaid(invID, settlement) })
}

func (s *Store) MarkInvoiceRefunded(_ context.Context, invID id.InvoiceID, at time.Time, actor string) error {
	return s.write(func(st *state) error { return st.markInvoiceRefunded(invID, at, actor) })
}

func (s *Store) MarkInvoiceExpired(_ context.Context, invID id.InvoiceID, at time.Time, actor string) error {
	return s.write(func(st *state) error { return st.markInvoiceExpired(invID, at, actor) })
}

// ==================== Balances ====================

func (s *Store) GetPayeeBalance(_ context.Context, payee, asset string) (b *balance.PayeeBalance, err error) {
	err = s.read(func(st *state) error {
		b = st.getPayeeBalance(payee, asset)
		return nil
	})
	return b, err
}

func (s *Store) ListPayeeBalances(_ context.Context, payee string) (list []*balance.PayeeBalance, err error) {
	err = s.read(func(st *state) error {
		list = st.listPayeeBalances(payee)
		return nil
	})
	return list, err
}

func (s *Store) CreditPayee(_ context.Context, payee, asset string, amount int64, at time.Time) error {
	return s.write(func(st *state) error { return st.creditPayee(payee, asset, amount, at) })
}

func (s *Store) DebitPayee(_ context.Context, payee, asset string, amount int64, at time.Time) error {
	return s.write(func(st *state) error { return st.debitPayee(payee, asset, amount, at) })
}

func (s *Store) GetFeePool(_ context.Context, asset string) (p *balance.FeePool, err error) {
	err = s.read(func(st *state) error {
		p = st.getFeePool(asset)
		return nil
	})
	return p, err
}

func (s *Store) ListFeePools(_ context.Context) (list []*balance.FeePool, err error) {
	err = s.read(func(st *state) error {
		list = st.listFeePools()
		return nil
	})
	return list, err
}

func (s *Store) CreditFeePool(_ context.Context, asset string, amount int64, at time.Time) error {
	return s.write(func(st *state) error { return st.creditFeePool(asset, amount, at) })
}

func (s *Store) DebitFeePool(_ context.Context, asset string, amount int64, at time.Time) error {
	return s.write(func(st *state) error { return st.debitFeePool(asset, amount, at) })
}

// ==================== Withdrawals ====================

func (s *Store) AppendWithdrawal(_ context.Context, r *withdrawal.Record) error {
	return s.write(func(st *state) error { return st.appendWithdrawal(r) })
}

func (s *Store) GetWithdrawal(_ context.Context, recID id.WithdrawalID) (r *withdrawal.Record, err error) {
	err = s.read(func(st *state) error {
		r, err = st.getWithdrawal(recID)
		return err
	})
	return r, err
}

func (s *Store) ListWithdrawals(_ context.Context, f withdrawal.Filter) (list []*withdrawal.Record, err error) {
	err = s.read(func(st *state) error {
		list = st.listWithdrawals(f)
		return nil
	})
	return list, err
}

// ==================== Destinations ====================

func (s *Store) CreateDestination(_ context.Context, d *treasury.Destination) error {
	return s.write(func(st *state) error { return st.createDestination(d) })
}

func (s *Store) GetDestination(_ context.Context, address string) (d *treasury.Destination, err error) {
	err = s.read(func(st *state) error {
		d, err = st.getDestination(address)
		return err
	})
	return d, err
}

func (s *Store) ListDestinations(_ context.Context, opts treasury.ListOpts) (list []*treasury.Destination, err error) {
	err = s.read(func(st *state) error {
		list = st.listDestinations(opts)
		return nil
	})
	return list, err
}

func (s *Store) UpdateDestination(_ context.Context, d *treasury.Destination) error {
	return s.write(func(st *state) error { return st.updateDestination(d) })
}

func (s *Store) DeleteDestination(_ context.Context, address string) error {
	return s.write(func(st *state) error { return st.deleteDestination(address) })
}

// ==================== Core ====================

// Tx holds the write lock for the duration of fn. Writes are journaled and
// undone in reverse order if fn fails, panics, or the commit check fails.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return settle.ErrStoreClosed
	}

	st := s.st
	st.undo = make([]func(), 0, 8)
	tx := &txStore{s: s, st: st}
	defer func() {
		tx.done = true
		if r := recover(); r != nil {
			st.rollback(0)
			st.undo = nil
			panic(r)
		}
		st.undo = nil
	}()

	if err := fn(ctx, tx); err != nil {
		st.rollback(0)
		return err
	}
	if len(s.failTx) > 0 {
		injected := s.failTx[0]
		s.failTx = s.failTx[1:]
		st.rollback(0)
		return fmt.Errorf("%w: %w", settle.ErrTransactionFailed, injected)
	}
	if s.verify {
		if verr := st.verify(); verr != nil {
			st.rollback(0)
			return fmt.Errorf("%w: %w: %w", settle.ErrTransactionFailed, ErrInconsistent, verr)
		}
	}
	return nil
}

// Migrate is a no-op; the memory store has no schema.
func (s *Store) Migrate(_ context.Context) error { return nil }

func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return settle.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
