package settle_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settle"
	"github.com/xraph/settle/id"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/types"
	"github.com/xraph/settle/withdrawal"
)

const wallet = "merchant-wallet"

func TestWithdraw(t *testing.T) {
	h := newHarness(t)
	inv := h.paid(t, "usd", 1000)

	rec, err := h.eng.Withdraw(h.ctx, settle.WithdrawRequest{
		Payee:       payee,
		Asset:       "usd",
		Amount:      400,
		Destination: wallet,
		Actor:       payee,
		Invoice:     inv.ID,
	})
	require.NoError(t, err)

	assert.Equal(t, withdrawal.KindPayeeWithdrawal, rec.Kind)
	assert.Equal(t, payee, rec.Payee)
	assert.Equal(t, int64(400), rec.Amount)
	assert.Equal(t, wallet, rec.Destination)
	assert.Equal(t, payee, rec.Initiator)
	assert.Equal(t, inv.ID, rec.Invoice)
	assert.True(t, rec.Batch.IsNil())
	assert.Equal(t, t0, rec.CreatedAt)

	assert.Equal(t, int64(590), h.balance(t, "usd"))
	assert.Equal(t, int64(400), h.vault.BalanceOf(wallet, "usd"))

	stored, err := h.store.GetWithdrawal(h.ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)
	assert.Contains(t, h.rec.Events(), "withdrawal")
	h.reconciled(t)
}

func TestWithdrawRejections(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)

	foreign, err := h.eng.CreateInvoice(h.ctx, settle.InvoiceRequest{
		Payee:     "someone-else",
		Options:   []types.Money{types.Of("usd", 10)},
		ExpiresAt: h.clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	base := func() settle.WithdrawRequest {
		return settle.WithdrawRequest{Payee: payee, Asset: "usd", Amount: 100, Destination: wallet, Actor: payee}
	}

	tests := []struct {
		name   string
		mutate func(r *settle.WithdrawRequest)
		want   error
	}{
		{"empty actor", func(r *settle.WithdrawRequest) { r.Actor = "" }, settle.ErrEmptyActor},
		{"stranger", func(r *settle.WithdrawRequest) { r.Actor = "stranger" }, settle.ErrUnauthorized},
		{"treasurer is not admin", func(r *settle.WithdrawRequest) { r.Actor = treasurer }, settle.ErrUnauthorized},
		{"zero amount", func(r *settle.WithdrawRequest) { r.Amount = 0 }, settle.ErrZeroAmount},
		{"negative amount", func(r *settle.WithdrawRequest) { r.Amount = -5 }, settle.ErrZeroAmount},
		{"no destination", func(r *settle.WithdrawRequest) { r.Destination = "" }, settle.ErrDestinationUnset},
		{"overdraft", func(r *settle.WithdrawRequest) { r.Amount = 991 }, settle.ErrInsufficientBalance},
		{"unknown asset", func(r *settle.WithdrawRequest) { r.Asset = "gas" }, settle.ErrInsufficientBalance},
		{"unknown invoice", func(r *settle.WithdrawRequest) { r.Invoice = id.NewInvoiceID() }, settle.ErrNotFound},
		{"foreign invoice", func(r *settle.WithdrawRequest) { r.Invoice = foreign.ID }, settle.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(&req)
			_, err := h.eng.Withdraw(h.ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, int64(990), h.balance(t, "usd"), "no rejected withdrawal may move value")
	history, err := h.eng.WithdrawalHistory(h.ctx, withdrawal.Filter{})
	require.NoError(t, err)
	assert.Empty(t, history)
	h.reconciled(t)
}

func TestWithdrawByAdmin(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)

	rec, err := h.eng.Withdraw(h.ctx, settle.WithdrawRequest{
		Payee: payee, Asset: "usd", Amount: 990, Destination: wallet, Actor: admin,
	})
	require.NoError(t, err)
	assert.Equal(t, admin, rec.Initiator)
	assert.Zero(t, h.balance(t, "usd"))
	h.reconciled(t)
}

func TestWithdrawTransferFailure(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)

	h.vault.FailNext(errors.New("destination rejected"))
	_, err := h.eng.Withdraw(h.ctx, settle.WithdrawRequest{
		Payee: payee, Asset: "usd", Amount: 500, Destination: wallet, Actor: payee,
	})
	require.ErrorIs(t, err, settle.ErrTransferFailed)

	assert.Equal(t, int64(990), h.balance(t, "usd"))
	history, err := h.eng.WithdrawalHistory(h.ctx, withdrawal.Filter{})
	require.NoError(t, err)
	assert.Empty(t, history)
	h.reconciled(t)
}

func TestWithdrawCommitFailureCompensates(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)

	h.store.FailNextCommit(errors.New("deadlock"))
	_, err := h.eng.Withdraw(h.ctx, settle.WithdrawRequest{
		Payee: payee, Asset: "usd", Amount: 500, Destination: wallet, Actor: payee,
	})
	require.ErrorIs(t, err, settle.ErrTransactionFailed)

	assert.Equal(t, int64(990), h.balance(t, "usd"))
	assert.Zero(t, h.vault.BalanceOf(wallet, "usd"))
	assert.Equal(t, int64(1000), h.vault.Custody("usd"))
	h.reconciled(t)
}

func TestWithdrawAll(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)

	rec, err := h.eng.WithdrawAll(h.ctx, payee, "usd", wallet, payee)
	require.NoError(t, err)
	assert.Equal(t, int64(990), rec.Amount)
	assert.Zero(t, h.balance(t, "usd"))

	_, err = h.eng.WithdrawAll(h.ctx, payee, "usd", wallet, payee)
	assert.ErrorIs(t, err, settle.ErrNothingToWithdraw)
	assert.True(t, settle.IsInsufficientBalance(err))
	h.reconciled(t)
}

func TestWithdrawBatch(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)
	h.paid(t, "gas", 2000)

	res, err := h.eng.WithdrawBatch(h.ctx, payee, []string{"usd", "eur", "gas", "usd"}, wallet, payee)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Equal(t, []string{"eur"}, res.Skipped)
	assert.False(t, res.Batch.IsNil())
	for _, rec := range res.Records {
		assert.Equal(t, res.Batch, rec.Batch)
	}
	assert.Equal(t, int64(990), res.Total("usd"))
	assert.Equal(t, int64(1980), res.Total("gas"))

	assert.Zero(t, h.balance(t, "usd"))
	assert.Zero(t, h.balance(t, "gas"))
	h.reconciled(t)

	_, err = h.eng.WithdrawBatch(h.ctx, payee, []string{"usd", "gas"}, wallet, payee)
	assert.ErrorIs(t, err, settle.ErrNothingToWithdraw)

	_, err = h.eng.WithdrawBatch(h.ctx, payee, nil, wallet, payee)
	assert.ErrorIs(t, err, settle.ErrEmptyAssetList)

	_, err = h.eng.WithdrawBatch(h.ctx, payee, []string{"usd"}, wallet, "stranger")
	assert.ErrorIs(t, err, settle.ErrUnauthorized)
}

func TestWithdrawBatchStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)
	h.paid(t, "gas", 2000)

	// usd commits, gas fails at the transfer.
	h.vault.FailNext(nil, errors.New("chain halted"))
	res, err := h.eng.WithdrawBatch(h.ctx, payee, []string{"usd", "gas"}, wallet, payee)
	require.ErrorIs(t, err, settle.ErrTransferFailed)
	require.NotNil(t, res)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "usd", res.Records[0].Asset)

	assert.Zero(t, h.balance(t, "usd"))
	assert.Equal(t, int64(1980), h.balance(t, "gas"))
	h.reconciled(t)
}

func TestCollectFees(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)
	h.paid(t, "usd", 3000)

	_, err := h.eng.RegisterDestination(h.ctx, "treasury", "main", true, admin)
	require.NoError(t, err)

	rec, err := h.eng.CollectFees(h.ctx, "usd", "treasury", treasurer)
	require.NoError(t, err)
	assert.Equal(t, withdrawal.KindFeeCollection, rec.Kind)
	assert.Empty(t, rec.Payee)
	assert.Equal(t, int64(40), rec.Amount)
	assert.Equal(t, treasurer, rec.Initiator)

	assert.Zero(t, h.pool(t, "usd"))
	assert.Equal(t, int64(40), h.vault.BalanceOf("treasury", "usd"))
	assert.Equal(t, int64(3960), h.balance(t, "usd"), "payee balances untouched")
	h.reconciled(t)

	_, err = h.eng.CollectFees(h.ctx, "usd", "treasury", treasurer)
	assert.ErrorIs(t, err, settle.ErrNothingToCollect)
}

func TestCollectFeesRejections(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)
	_, err := h.eng.RegisterDestination(h.ctx, "treasury", "main", true, admin)
	require.NoError(t, err)

	tests := []struct {
		name        string
		asset       string
		destination string
		actor       string
		want        error
	}{
		{"admin lacks treasury", "usd", "treasury", admin, settle.ErrUnauthorized},
		{"payee", "usd", "treasury", payee, settle.ErrUnauthorized},
		{"empty actor", "usd", "treasury", "", settle.ErrEmptyActor},
		{"unregistered destination", "usd", "elsewhere", treasurer, settle.ErrNotFound},
		{"no destination", "usd", "", treasurer, settle.ErrDestinationUnset},
		{"empty pool", "gas", "treasury", treasurer, settle.ErrNothingToCollect},
		{"no asset", "", "treasury", treasurer, settle.ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.eng.CollectFees(h.ctx, tt.asset, tt.destination, tt.actor)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int64(10), h.pool(t, "usd"))
}

func TestCollectFeesBatchAndAll(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)
	h.paid(t, "gas", 5000)
	_, err := h.eng.RegisterDestination(h.ctx, "treasury", "main", true, admin)
	require.NoError(t, err)

	res, err := h.eng.CollectFeesBatch(h.ctx, []string{"usd", "eur"}, "treasury", treasurer)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, []string{"eur"}, res.Skipped)
	assert.Equal(t, int64(10), res.Total("usd"))

	res, err = h.eng.CollectAllFees(h.ctx, "treasury", treasurer)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "gas", res.Records[0].Asset)
	assert.Equal(t, int64(50), res.Records[0].Amount)

	_, err = h.eng.CollectAllFees(h.ctx, "treasury", treasurer)
	assert.ErrorIs(t, err, settle.ErrNothingToCollect)
	_, err = h.eng.CollectFeesBatch(h.ctx, nil, "treasury", treasurer)
	assert.ErrorIs(t, err, settle.ErrEmptyAssetList)
	h.reconciled(t)
}

func TestDestinations(t *testing.T) {
	h := newHarness(t)

	_, err := h.eng.RegisterDestination(h.ctx, "treasury", "main", false, payee)
	require.ErrorIs(t, err, settle.ErrUnauthorized)

	d, err := h.eng.RegisterDestination(h.ctx, "treasury", "main", false, admin)
	require.NoError(t, err)
	assert.False(t, d.Active)
	assert.Equal(t, t0, d.CreatedAt)

	_, err = h.eng.RegisterDestination(h.ctx, "treasury", "again", true, admin)
	assert.ErrorIs(t, err, settle.ErrDestinationExists)
	_, err = h.eng.RegisterDestination(h.ctx, "", "blank", true, admin)
	assert.ErrorIs(t, err, settle.ErrDestinationUnset)

	d, err = h.eng.ActivateDestination(h.ctx, "treasury", admin)
	require.NoError(t, err)
	assert.True(t, d.Active)

	d, err = h.eng.RelabelDestination(h.ctx, "treasury", "primary", admin)
	require.NoError(t, err)
	assert.Equal(t, "primary", d.Label)

	_, err = h.eng.RegisterDestination(h.ctx, "cold", "cold", false, admin)
	require.NoError(t, err)

	active, err := h.eng.ListDestinations(h.ctx, treasury.ListOpts{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "treasury", active[0].Address)

	all, err := h.eng.ListDestinations(h.ctx, treasury.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	d, err = h.eng.DeactivateDestination(h.ctx, "treasury", admin)
	require.NoError(t, err)
	assert.False(t, d.Active)

	require.NoError(t, h.eng.DeregisterDestination(h.ctx, "cold", admin))
	_, err = h.eng.DescribeDestination(h.ctx, "cold")
	assert.ErrorIs(t, err, settle.ErrDestinationNotFound)
	assert.ErrorIs(t, h.eng.DeregisterDestination(h.ctx, "cold", admin), settle.ErrNotFound)
	_, err = h.eng.ActivateDestination(h.ctx, "missing", admin)
	assert.ErrorIs(t, err, settle.ErrNotFound)

	assert.Equal(t, []string{
		"destination_registered",
		"destination_activated",
		"destination_relabeled",
		"destination_registered",
		"destination_deactivated",
		"destination_deregistered",
	}, h.rec.Events())
}

func TestDeregisterKeepsHistory(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)
	_, err := h.eng.RegisterDestination(h.ctx, "treasury", "main", true, admin)
	require.NoError(t, err)
	rec, err := h.eng.CollectFees(h.ctx, "usd", "treasury", treasurer)
	require.NoError(t, err)

	require.NoError(t, h.eng.DeregisterDestination(h.ctx, "treasury", admin))

	history, err := h.eng.WithdrawalHistory(h.ctx, withdrawal.Filter{Destination: "treasury"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, rec.ID, history[0].ID)
}

func TestBalanceQueries(t *testing.T) {
	h := newHarness(t)
	h.paid(t, "usd", 1000)
	h.paid(t, "gas", 500)

	balances, err := h.eng.PayeeBalances(h.ctx, payee)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	assert.Equal(t, "gas", balances[0].Asset)
	assert.Equal(t, int64(495), balances[0].Amount)
	assert.Equal(t, "usd", balances[1].Asset)

	pools, err := h.eng.FeePools(h.ctx)
	require.NoError(t, err)
	require.Len(t, pools, 2)

	b, err := h.eng.PayeeBalance(h.ctx, "nobody", "usd")
	require.NoError(t, err)
	assert.Zero(t, b.Amount)
	p, err := h.eng.FeePoolBalance(h.ctx, "eur")
	require.NoError(t, err)
	assert.Zero(t, p.Amount)
}
