package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"

	"github.com/xraph/settle"
	"github.com/xraph/settle/id"
	"github.com/xraph/settle/invoice"
	settlestore "github.com/xraph/settle/store"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/types"
	"github.com/xraph/settle/withdrawal"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

// newTestStore connects to SETTLE_TEST_POSTGRES_DSN and empties every
// settle table.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("SETTLE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SETTLE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()

	drv := pgdriver.New()
	require.NoError(t, drv.Open(ctx, dsn))
	db, err := grove.Open(drv)
	require.NoError(t, err)

	s := New(db)
	require.NoError(t, s.Migrate(ctx))
	_, err = s.pg.NewRaw(`TRUNCATE settle_invoices, settle_payee_balances, settle_fee_pools,
		settle_withdrawals, settle_destinations`).Exec(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newInvoice(payee string, opts ...types.Money) *invoice.Invoice {
	return &invoice.Invoice{
		Entity:    types.NewEntity(t0),
		ID:        id.NewInvoiceID(),
		Payee:     payee,
		Options:   opts,
		Status:    invoice.StatusPending,
		ExpiresAt: t0.Add(time.Hour),
		Metadata:  map[string]string{"order": "42"},
	}
}

func TestInvoiceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inv := newInvoice("shop", types.Of("usd", 1000), types.Of("gas", 7))
	require.NoError(t, s.CreateInvoice(ctx, inv))
	assert.ErrorIs(t, s.CreateInvoice(ctx, inv), settle.ErrAlreadyExists)

	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.Options, got.Options)
	assert.Equal(t, "42", got.Metadata["order"])

	paidAt := t0.Add(time.Minute)
	require.NoError(t, s.MarkInvoicePaid(ctx, inv.ID, invoice.Settlement{
		Payer: "bob", Amount: types.Of("gas", 7), Fee: 0, FeeBps: 100, At: paidAt,
	}))
	assert.ErrorIs(t, s.MarkInvoicePaid(ctx, inv.ID, invoice.Settlement{At: paidAt}), settle.ErrInvalidState)

	got, err = s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, got.Status)
	assert.Equal(t, "bob", got.Payer)
	assert.Equal(t, types.Of("gas", 7), got.Settled)

	require.NoError(t, s.MarkInvoiceRefunded(ctx, inv.ID, paidAt, "ops"))
	assert.ErrorIs(t, s.MarkInvoiceRefunded(ctx, inv.ID, paidAt, "ops"), settle.ErrInvalidState)
	assert.ErrorIs(t, s.MarkInvoiceExpired(ctx, id.NewInvoiceID(), t0, "x"), settle.ErrNotFound)

	pending := newInvoice("cafe", types.Of("usd", 5))
	require.NoError(t, s.CreateInvoice(ctx, pending))
	cutoff := t0.Add(2 * time.Hour)
	list, err := s.ListInvoices(ctx, invoice.ListOpts{Status: invoice.StatusPending, ExpiresBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, pending.ID, list[0].ID)
}

func TestBalanceArithmetic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"credit", func() error { return s.CreditPayee(ctx, "shop", "usd", 100, t0) }, nil},
		{"debit within balance", func() error { return s.DebitPayee(ctx, "shop", "usd", 60, t0) }, nil},
		{"debit beyond balance", func() error { return s.DebitPayee(ctx, "shop", "usd", 41, t0) }, settle.ErrInsufficientBalance},
		{"debit missing row", func() error { return s.DebitPayee(ctx, "ghost", "usd", 1, t0) }, settle.ErrInsufficientBalance},
		{"fee credit", func() error { return s.CreditFeePool(ctx, "usd", 3, t0) }, nil},
		{"fee overdraw", func() error { return s.DebitFeePool(ctx, "usd", 4, t0) }, settle.ErrInsufficientBalance},
		{"whale", func() error { return s.CreditPayee(ctx, "whale", "usd", 1<<63-1, t0) }, nil},
		{"overflow", func() error { return s.CreditPayee(ctx, "whale", "usd", 1, t0) }, settle.ErrBalanceOverflow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}

	b, err := s.GetPayeeBalance(ctx, "shop", "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(40), b.Amount)

	pool, err := s.GetFeePool(ctx, "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(3), pool.Amount)
}

func TestWithdrawalLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	inv := id.NewInvoiceID()
	rec := &withdrawal.Record{
		ID: id.NewWithdrawalID(), Kind: withdrawal.KindPayeeWithdrawal, Payee: "shop",
		Asset: "usd", Amount: 5, Destination: "acct", Initiator: "ops", Invoice: inv, CreatedAt: t0,
	}
	require.NoError(t, s.AppendWithdrawal(ctx, rec))
	assert.ErrorIs(t, s.AppendWithdrawal(ctx, rec), settle.ErrAlreadyExists)

	got, err := s.GetWithdrawal(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, inv, got.Invoice)
	assert.True(t, got.Batch.IsNil())

	_, err = s.GetWithdrawal(ctx, id.NewWithdrawalID())
	assert.ErrorIs(t, err, settle.ErrNotFound)
}

func TestDestinations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	d := &treasury.Destination{Entity: types.NewEntity(t0), Address: "vault", Label: "cold", Active: true}
	require.NoError(t, s.CreateDestination(ctx, d))
	assert.ErrorIs(t, s.CreateDestination(ctx, d), settle.ErrAlreadyExists)

	d.Active = false
	d.Label = "frozen"
	require.NoError(t, s.UpdateDestination(ctx, d))

	got, err := s.GetDestination(ctx, "vault")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, "frozen", got.Label)

	active, err := s.ListDestinations(ctx, treasury.ListOpts{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, s.DeleteDestination(ctx, "vault"))
	assert.ErrorIs(t, s.DeleteDestination(ctx, "vault"), settle.ErrNotFound)
}

func TestTxSavepoints(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	boom := errors.New("boom")

	err := s.Tx(ctx, func(ctx context.Context, tx settlestore.Store) error {
		require.NoError(t, tx.CreditPayee(ctx, "shop", "usd", 25, t0))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = s.Tx(ctx, func(ctx context.Context, tx settlestore.Store) error {
		require.NoError(t, tx.CreditPayee(ctx, "shop", "usd", 10, t0))
		nested := tx.Tx(ctx, func(ctx context.Context, tx settlestore.Store) error {
			require.NoError(t, tx.CreditPayee(ctx, "shop", "usd", 5, t0))
			return boom
		})
		assert.ErrorIs(t, nested, boom)
		assert.ErrorIs(t, tx.Migrate(ctx), settle.ErrInvalidState)
		return nil
	})
	require.NoError(t, err)

	b, err := s.GetPayeeBalance(ctx, "shop", "usd")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Amount)
}
