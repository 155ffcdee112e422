package settle_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settle"
	"github.com/xraph/settle/clock"
	"github.com/xraph/settle/gate"
	"github.com/xraph/settle/id"
	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/store/memory"
	"github.com/xraph/settle/transfer"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/types"
	"github.com/xraph/settle/withdrawal"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	payee     = "merchant"
	payer     = "payer"
	admin     = "ops"
	treasurer = "treasury-bot"
)

// recorder captures plugin events.
type recorder struct {
	mu       sync.Mutex
	events   []string
	failures []string
	reversed []error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) add(ev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) OnInvoiceCreated(_ context.Context, _ *invoice.Invoice) error {
	r.add("created")
	return nil
}

func (r *recorder) OnInvoicePaid(_ context.Context, _ *invoice.Invoice) error {
	r.add("paid")
	return nil
}

func (r *recorder) OnInvoiceRefunded(_ context.Context, _ *invoice.Invoice, _ string) error {
	r.add("refunded")
	return nil
}

func (r *recorder) OnInvoiceExpired(_ context.Context, _ *invoice.Invoice, _ string) error {
	r.add("expired")
	return nil
}

func (r *recorder) OnPayeeWithdrawal(_ context.Context, _ *withdrawal.Record) error {
	r.add("withdrawal")
	return nil
}

func (r *recorder) OnFeesCollected(_ context.Context, _ *withdrawal.Record) error {
	r.add("fees_collected")
	return nil
}

func (r *recorder) OnDestinationChanged(_ context.Context, _ *treasury.Destination, change treasury.Change) error {
	r.add("destination_" + string(change))
	return nil
}

func (r *recorder) OnOperationFailed(_ context.Context, op string, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, op)
	return nil
}

func (r *recorder) OnTransferReversed(_ context.Context, _ string, reverseErr error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reversed = append(r.reversed, reverseErr)
	return nil
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) Failures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failures...)
}

func (r *recorder) Reversed() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.reversed...)
}

type harness struct {
	ctx   context.Context
	eng   *settle.Engine
	store *memory.Store
	gate  *gate.Static
	vault *transfer.Vault
	clock *clock.Fake
	rec   *recorder
}

// newHarness builds an engine over a verifying memory store with a 1% fee,
// "ops" as admin, "treasury-bot" as treasurer and a funded payer.
func newHarness(t *testing.T, opts ...settle.Option) *harness {
	t.Helper()

	h := &harness{
		ctx:   context.Background(),
		store: memory.New(memory.WithVerify()),
		gate:  gate.NewStatic(1000),
		vault: transfer.NewVault(),
		clock: clock.NewFake(t0),
		rec:   &recorder{},
	}
	require.NoError(t, h.gate.SetDefaultFee(100))
	h.gate.GrantAdmin(admin)
	h.gate.GrantTreasury(treasurer)
	h.vault.Fund(payer, "usd", 1_000_000)
	h.vault.Fund(payer, "gas", 1_000_000)

	opts = append([]settle.Option{
		settle.WithClock(h.clock),
		settle.WithPlugin(h.rec),
		settle.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	eng, err := settle.New(h.store, h.gate, h.vault, opts...)
	require.NoError(t, err)
	require.NoError(t, eng.Start(h.ctx))
	t.Cleanup(func() { _ = eng.Stop() })
	h.eng = eng
	return h
}

func (h *harness) invoice(t *testing.T, opts ...types.Money) *invoice.Invoice {
	t.Helper()
	inv, err := h.eng.CreateInvoice(h.ctx, settle.InvoiceRequest{
		Payee:     payee,
		Options:   opts,
		ExpiresAt: h.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	return inv
}

func (h *harness) paid(t *testing.T, asset string, amount int64) *invoice.Invoice {
	t.Helper()
	inv := h.invoice(t, types.Of(asset, amount))
	inv, err := h.eng.Settle(h.ctx, inv.ID, asset, amount, payer)
	require.NoError(t, err)
	return inv
}

func (h *harness) balance(t *testing.T, asset string) int64 {
	t.Helper()
	b, err := h.eng.PayeeBalance(h.ctx, payee, asset)
	require.NoError(t, err)
	return b.Amount
}

func (h *harness) pool(t *testing.T, asset string) int64 {
	t.Helper()
	p, err := h.eng.FeePoolBalance(h.ctx, asset)
	require.NoError(t, err)
	return p.Amount
}

// reconciled fails the test unless every balance matches the log and the
// vault's custody.
func (h *harness) reconciled(t *testing.T) {
	t.Helper()
	report, err := h.eng.Reconcile(h.ctx)
	require.NoError(t, err)
	assert.True(t, report.Balanced())
	require.NoError(t, h.store.Verify())
}

func TestNewRequiresCollaborators(t *testing.T) {
	s, g, v := memory.New(), gate.NewStatic(0), transfer.NewVault()

	_, err := settle.New(nil, g, v)
	assert.ErrorIs(t, err, settle.ErrInvalidInput)
	_, err = settle.New(s, nil, v)
	assert.ErrorIs(t, err, settle.ErrInvalidInput)
	_, err = settle.New(s, g, nil)
	assert.ErrorIs(t, err, settle.ErrInvalidInput)

	_, err = settle.New(s, g, v, settle.WithConfig(settle.Config{MaxFeeBps: 20000}))
	assert.ErrorIs(t, err, settle.ErrInvalidInput)
}

// ──────────────────────────────────────────────────
// Scenarios
// ──────────────────────────────────────────────────

func TestSettleCreditsPayeeAndFeePool(t *testing.T) {
	h := newHarness(t)

	inv := h.invoice(t, types.Of("usd", 1000))
	got, err := h.eng.Settle(h.ctx, inv.ID, "usd", 1000, payer)
	require.NoError(t, err)

	assert.Equal(t, invoice.StatusPaid, got.Status)
	assert.Equal(t, payer, got.Payer)
	assert.Equal(t, types.Of("usd", 1000), got.Settled)
	assert.Equal(t, int64(10), got.Fee)
	assert.Equal(t, types.BPS(100), got.FeeBps)
	require.NotNil(t, got.SettledAt)
	assert.Equal(t, t0, *got.SettledAt)

	assert.Equal(t, int64(990), h.balance(t, "usd"))
	assert.Equal(t, int64(10), h.pool(t, "usd"))
	assert.Equal(t, int64(999_000), h.vault.BalanceOf(payer, "usd"))
	assert.Equal(t, int64(1000), h.vault.Custody("usd"))

	stored, err := h.eng.GetInvoice(h.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, stored.Status)
	assert.Equal(t, []string{"created", "paid"}, h.rec.Events())
	h.reconciled(t)
}

func TestSettleUnderpaymentRejected(t *testing.T) {
	h := newHarness(t)
	inv := h.invoice(t, types.Of("usd", 1000))

	_, err := h.eng.Settle(h.ctx, inv.ID, "usd", 500, payer)
	require.ErrorIs(t, err, settle.ErrUnderpaid)
	assert.ErrorIs(t, err, settle.ErrInvalidInput)

	stored, err := h.eng.GetInvoice(h.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPending, stored.Status)
	assert.Zero(t, h.balance(t, "usd"))
	assert.Zero(t, h.vault.Custody("usd"))
	assert.Equal(t, []string{settle.OpSettle}, h.rec.Failures())
	h.reconciled(t)
}

func TestRefundRestoresEverything(t *testing.T) {
	h := newHarness(t)
	inv := h.paid(t, "usd", 1000)

	got, err := h.eng.Refund(h.ctx, inv.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusRefunded, got.Status)
	require.NotNil(t, got.RefundedAt)
	assert.Equal(t, admin, got.ClosedBy)

	assert.Zero(t, h.balance(t, "usd"))
	assert.Zero(t, h.pool(t, "usd"))
	assert.Equal(t, int64(1_000_000), h.vault.BalanceOf(payer, "usd"))
	assert.Zero(t, h.vault.Custody("usd"))
	h.reconciled(t)

	_, err = h.eng.Refund(h.ctx, inv.ID, admin)
	assert.ErrorIs(t, err, settle.ErrInvoiceNotPaid)
}

func TestRefundAfterWithdrawalFails(t *testing.T) {
	h := newHarness(t)
	inv := h.paid(t, "usd", 1000)

	_, err := h.eng.Withdraw(h.ctx, settle.WithdrawRequest{
		Payee: payee, Asset: "usd", Amount: 990, Destination: payee, Actor: payee,
	})
	require.NoError(t, err)

	_, err = h.eng.Refund(h.ctx, inv.ID, admin)
	require.Error(t, err)
	assert.True(t, settle.IsInsufficientBalance(err))

	stored, err := h.eng.GetInvoice(h.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, stored.Status)
	assert.Equal(t, int64(10), h.pool(t, "usd"))
	h.reconciled(t)
}

func TestCreateInvoiceDuplicateID(t *testing.T) {
	h := newHarness(t)
	invID := id.NewInvoiceID()
	req := settle.InvoiceRequest{
		ID:        invID,
		Payee:     payee,
		Options:   []types.Money{types.Of("usd", 1000)},
		ExpiresAt: t0.Add(time.Hour),
		Memo:      "first",
	}
	_, err := h.eng.CreateInvoice(h.ctx, req)
	require.NoError(t, err)

	req.Memo = "second"
	req.Options = []types.Money{types.Of("gas", 5)}
	_, err = h.eng.CreateInvoice(h.ctx, req)
	require.ErrorIs(t, err, settle.ErrAlreadyExists)

	stored, err := h.eng.GetInvoice(h.ctx, invID)
	require.NoError(t, err)
	assert.Equal(t, "first", stored.Memo)
	assert.Equal(t, []types.Money{types.Of("usd", 1000)}, stored.Options)

	all, err := h.eng.InvoicesByPayee(h.ctx, payee)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCollectFeesInactiveDestination(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)

	_, err := h.eng.RegisterDestination(h.ctx, "cold-wallet", "cold", false, admin)
	require.NoError(t, err)

	_, err = h.eng.CollectFees(h.ctx, "usd", "cold-wallet", treasurer)
	require.ErrorIs(t, err, settle.ErrDestinationInactive)
	assert.True(t, settle.IsInvalidState(err))
	assert.Equal(t, int64(10), h.pool(t, "usd"))
	assert.Zero(t, h.vault.BalanceOf("cold-wallet", "usd"))
	h.reconciled(t)
}

// ──────────────────────────────────────────────────
// Invoices
// ──────────────────────────────────────────────────

func TestCreateInvoiceValidation(t *testing.T) {
	h := newHarness(t)
	h.gate.AllowPayees(payee)
	h.gate.AllowPayeeAssets(payee, "usd")

	valid := func() settle.InvoiceRequest {
		return settle.InvoiceRequest{
			Payee:     payee,
			Options:   []types.Money{types.Of("usd", 100)},
			ExpiresAt: t0.Add(time.Minute),
		}
	}

	tests := []struct {
		name   string
		mutate func(r *settle.InvoiceRequest)
		want   error
	}{
		{"no options", func(r *settle.InvoiceRequest) { r.Options = nil }, settle.ErrEmptyOptions},
		{"zero amount", func(r *settle.InvoiceRequest) { r.Options[0].Amount = 0 }, settle.ErrInvalidOption},
		{"negative amount", func(r *settle.InvoiceRequest) { r.Options[0].Amount = -1 }, settle.ErrInvalidOption},
		{"empty asset", func(r *settle.InvoiceRequest) { r.Options[0].Asset = "" }, settle.ErrInvalidInput},
		{"wrong id prefix", func(r *settle.InvoiceRequest) { r.ID = id.NewWithdrawalID() }, settle.ErrInvalidInput},
		{"ineligible payee", func(r *settle.InvoiceRequest) { r.Payee = "stranger" }, settle.ErrIneligiblePayee},
		{"asset not allowed for payee", func(r *settle.InvoiceRequest) {
			r.Options = append(r.Options, types.Of("gas", 5))
		}, settle.ErrIneligibleAsset},
		{"expiry now", func(r *settle.InvoiceRequest) { r.ExpiresAt = t0 }, settle.ErrInvalidExpiry},
		{"expiry past", func(r *settle.InvoiceRequest) { r.ExpiresAt = t0.Add(-time.Second) }, settle.ErrInvalidExpiry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(&req)
			_, err := h.eng.CreateInvoice(h.ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	all, err := h.eng.ListInvoices(h.ctx, invoice.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, all, "rejected requests must not create invoices")

	_, err = h.eng.CreateInvoice(h.ctx, valid())
	assert.NoError(t, err)
}

func TestCancelOrExpire(t *testing.T) {
	h := newHarness(t)

	t.Run("payee cancels", func(t *testing.T) {
		inv := h.invoice(t, types.Of("usd", 100))
		h.clock.Advance(time.Minute)
		got, err := h.eng.CancelOrExpire(h.ctx, inv.ID, payee)
		require.NoError(t, err)
		assert.Equal(t, invoice.StatusExpired, got.Status)
		assert.Equal(t, h.clock.Now(), got.ExpiresAt)
		assert.Equal(t, payee, got.ClosedBy)

		_, err = h.eng.Settle(h.ctx, inv.ID, "usd", 100, payer)
		assert.ErrorIs(t, err, settle.ErrInvoiceNotActive)
	})

	t.Run("admin cancels", func(t *testing.T) {
		inv := h.invoice(t, types.Of("usd", 100))
		_, err := h.eng.CancelOrExpire(h.ctx, inv.ID, admin)
		require.NoError(t, err)
	})

	t.Run("stranger rejected", func(t *testing.T) {
		inv := h.invoice(t, types.Of("usd", 100))
		_, err := h.eng.CancelOrExpire(h.ctx, inv.ID, "stranger")
		assert.ErrorIs(t, err, settle.ErrUnauthorized)
		_, err = h.eng.CancelOrExpire(h.ctx, inv.ID, "")
		assert.ErrorIs(t, err, settle.ErrEmptyActor)
	})

	t.Run("paid invoice", func(t *testing.T) {
		inv := h.paid(t, "usd", 100)
		_, err := h.eng.CancelOrExpire(h.ctx, inv.ID, admin)
		assert.ErrorIs(t, err, settle.ErrInvoiceNotActive)
	})

	t.Run("unknown invoice", func(t *testing.T) {
		_, err := h.eng.CancelOrExpire(h.ctx, id.NewInvoiceID(), admin)
		assert.True(t, settle.IsNotFound(err))
	})

	h.reconciled(t)
}

func TestSettleExpiry(t *testing.T) {
	h := newHarness(t)
	inv := h.invoice(t, types.Of("usd", 100))

	h.clock.Set(inv.ExpiresAt)
	q, err := h.eng.ResolvePayment(h.ctx, inv.ID, "usd", 100)
	require.NoError(t, err, "settleable at the exact expiry instant")
	assert.Equal(t, types.Of("usd", 100), q.Option)

	h.clock.Advance(time.Nanosecond)
	_, err = h.eng.Settle(h.ctx, inv.ID, "usd", 100, payer)
	assert.ErrorIs(t, err, settle.ErrInvoiceExpired)
	assert.ErrorIs(t, err, settle.ErrExpired)
}

func TestExpireOverdue(t *testing.T) {
	h := newHarness(t)

	early := h.invoice(t, types.Of("usd", 100))
	settled := h.paid(t, "usd", 100)
	h.clock.Advance(30 * time.Minute)
	late := h.invoice(t, types.Of("usd", 100))

	_, err := h.eng.ExpireOverdue(h.ctx, payee, 0)
	assert.ErrorIs(t, err, settle.ErrUnauthorized)

	h.clock.Advance(45 * time.Minute)
	expired, err := h.eng.ExpireOverdue(h.ctx, admin, 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, early.ID, expired[0].ID)
	assert.Equal(t, invoice.StatusExpired, expired[0].Status)
	assert.Equal(t, admin, expired[0].ClosedBy)

	stored, err := h.eng.GetInvoice(h.ctx, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, stored.Status)
	stored, err = h.eng.GetInvoice(h.ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPending, stored.Status)

	expired, err = h.eng.ExpireOverdue(h.ctx, admin, 0)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestInvoiceQueries(t *testing.T) {
	h := newHarness(t)
	var ids []id.InvoiceID
	for range 3 {
		ids = append(ids, h.invoice(t, types.Of("usd", 100)).ID)
		h.clock.Advance(time.Second)
	}
	_, err := h.eng.Settle(h.ctx, ids[1], "usd", 100, payer)
	require.NoError(t, err)

	recent, err := h.eng.RecentInvoices(h.ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, ids[2], recent[0].ID)
	assert.Equal(t, ids[1], recent[1].ID)

	pending, err := h.eng.InvoicesByStatus(h.ctx, invoice.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = h.eng.InvoicesByStatus(h.ctx, "bogus")
	assert.ErrorIs(t, err, settle.ErrInvalidInput)

	// Reads are idempotent.
	again, err := h.eng.RecentInvoices(h.ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, recent, again)
}

// ──────────────────────────────────────────────────
// Settlement
// ──────────────────────────────────────────────────

func TestSettleResolution(t *testing.T) {
	tests := []struct {
		name   string
		asset  string
		amount int64
		want   error
	}{
		{"exact usd", "usd", 1000, nil},
		{"overpay gas", "gas", 600, nil},
		{"asset not accepted", "eur", 1000, settle.ErrAssetNotAccepted},
		{"underpay gas", "gas", 499, settle.ErrUnderpaid},
		{"zero", "usd", 0, settle.ErrUnderpaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			inv := h.invoice(t, types.Of("usd", 1000), types.Of("gas", 500))

			got, err := h.eng.Settle(h.ctx, inv.ID, tt.asset, tt.amount, payer)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, types.Of(tt.asset, tt.amount), got.Settled)
			fee := types.BPS(100).Of(tt.amount)
			assert.Equal(t, tt.amount-fee, h.balance(t, tt.asset), "overpayment is credited in full")
			assert.Equal(t, fee, h.pool(t, tt.asset))
			h.reconciled(t)
		})
	}
}

func TestSettleExactlyOnce(t *testing.T) {
	h := newHarness(t)
	inv := h.paid(t, "usd", 1000)

	_, err := h.eng.Settle(h.ctx, inv.ID, "usd", 1000, payer)
	assert.ErrorIs(t, err, settle.ErrInvoiceNotActive)
	assert.Equal(t, int64(990), h.balance(t, "usd"))
	assert.Equal(t, int64(999_000), h.vault.BalanceOf(payer, "usd"))
}

func TestSettleConcurrentExactlyOnce(t *testing.T) {
	h := newHarness(t)
	inv := h.invoice(t, types.Of("usd", 1000))

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.eng.Settle(h.ctx, inv.ID, "usd", 1000, payer)
		}()
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, settle.ErrInvoiceNotActive)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int64(1000), h.vault.Custody("usd"))
	h.reconciled(t)
}

func TestSettleRequiresPayer(t *testing.T) {
	h := newHarness(t)
	inv := h.invoice(t, types.Of("usd", 1000))
	_, err := h.eng.Settle(h.ctx, inv.ID, "usd", 1000, "")
	assert.ErrorIs(t, err, settle.ErrEmptyPayer)
}

func TestSettleTransferFailureLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	inv := h.invoice(t, types.Of("usd", 1000))

	h.vault.FailNext(errors.New("rpc unavailable"))
	_, err := h.eng.Settle(h.ctx, inv.ID, "usd", 1000, payer)
	require.ErrorIs(t, err, settle.ErrTransferFailed)
	assert.False(t, settle.IsRetryable(err))

	stored, err := h.eng.GetInvoice(h.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPending, stored.Status)
	assert.Zero(t, h.balance(t, "usd"))
	assert.Zero(t, h.pool(t, "usd"))
	h.reconciled(t)

	_, err = h.eng.Settle(h.ctx, inv.ID, "usd", 1000, payer)
	require.NoError(t, err)
	h.reconciled(t)
}

func TestSettleUnfundedPayer(t *testing.T) {
	h := newHarness(t)
	inv := h.invoice(t, types.Of("usd", 1000))
	_, err := h.eng.Settle(h.ctx, inv.ID, "usd", 1000, "broke")
	assert.ErrorIs(t, err, settle.ErrTransferFailed)
	assert.ErrorIs(t, err, transfer.ErrInsufficientFunds)
}

func TestSettleCommitFailureCompensates(t *testing.T) {
	h := newHarness(t)
	inv := h.invoice(t, types.Of("usd", 1000))

	h.store.FailNextCommit(errors.New("connection reset"))
	_, err := h.eng.Settle(h.ctx, inv.ID, "usd", 1000, payer)
	require.ErrorIs(t, err, settle.ErrTransactionFailed)
	assert.True(t, settle.IsRetryable(err))

	assert.Equal(t, int64(1_000_000), h.vault.BalanceOf(payer, "usd"), "transfer reversed")
	assert.Zero(t, h.vault.Custody("usd"))
	require.Eventually(t, func() bool { return len(h.rec.Reversed()) == 1 }, time.Second, time.Millisecond)
	assert.NoError(t, h.rec.Reversed()[0])
	h.reconciled(t)
}

func TestRefundAuthorization(t *testing.T) {
	h := newHarness(t)
	inv := h.paid(t, "usd", 1000)

	_, err := h.eng.Refund(h.ctx, inv.ID, payee)
	assert.ErrorIs(t, err, settle.ErrUnauthorized)
	_, err = h.eng.Refund(h.ctx, id.NewInvoiceID(), admin)
	assert.True(t, settle.IsNotFound(err))

	pending := h.invoice(t, types.Of("usd", 1000))
	_, err = h.eng.Refund(h.ctx, pending.ID, admin)
	assert.ErrorIs(t, err, settle.ErrInvoiceNotPaid)
}

func TestRefundUsesRecordedFee(t *testing.T) {
	h := newHarness(t)
	inv := h.paid(t, "usd", 10_000) // fee 100 at 1%

	require.NoError(t, h.gate.SetDefaultFee(500))
	h.paid(t, "usd", 10_000) // fee 500 at 5%

	_, err := h.eng.Refund(h.ctx, inv.ID, admin)
	require.NoError(t, err)
	assert.Equal(t, int64(9_500), h.balance(t, "usd"))
	assert.Equal(t, int64(500), h.pool(t, "usd"))
	h.reconciled(t)
}

func TestFeeDeterminism(t *testing.T) {
	tests := []struct {
		name    string
		bps     types.BPS
		amount  int64
		wantFee int64
	}{
		{"one percent", 100, 1000, 10},
		{"rounds down", 100, 199, 1},
		{"below one unit", 100, 99, 0},
		{"zero rate", 0, 1000, 0},
		{"max rate", 1000, 1000, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.gate.SetDefaultFee(tt.bps))

			q, err := h.eng.Quote(h.ctx, payee, "usd", tt.amount)
			require.NoError(t, err)
			assert.Equal(t, tt.wantFee, q.Fee.Amount)
			assert.Equal(t, tt.amount-tt.wantFee, q.Net.Amount)

			inv := h.paid(t, "usd", tt.amount)
			assert.Equal(t, tt.wantFee, inv.Fee)
			assert.Equal(t, tt.bps, inv.FeeBps)
			assert.Equal(t, tt.wantFee, h.pool(t, "usd"))
			h.reconciled(t)
		})
	}
}

func TestFeeCappedByConfig(t *testing.T) {
	cfg := settle.DefaultConfig()
	cfg.MaxFeeBps = 50
	h := newHarness(t, settle.WithConfig(cfg))

	bps, err := h.eng.EffectiveFeeBps(h.ctx, payee)
	require.NoError(t, err)
	assert.Equal(t, types.BPS(50), bps)

	inv := h.paid(t, "usd", 1000)
	assert.Equal(t, int64(5), inv.Fee)
}
