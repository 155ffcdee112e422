// Package settle provides an invoice settlement engine for Go applications.
//
// Settle is a library, not a service. A payee issues an invoice that accepts
// one of several asset/amount options; a payer settles it with a single
// transfer; the engine splits the payment into a payee credit and a service
// fee, and keeps per-payee balances and per-asset fee pools until they are
// withdrawn. It provides:
//
//   - Multi-option invoices with expiry and caller-triggered expiry sweeps
//   - Exactly-once settlement with basis-point fees and admin refunds
//   - Payee withdrawals, batch withdrawals and treasury fee collection
//   - Pluggable capability gate, asset transfer and clock
//   - Memory, PostgreSQL, SQLite and MongoDB stores
//   - Lifecycle hooks for audit trails and metrics
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/settle"
//	    "github.com/xraph/settle/gate"
//	    "github.com/xraph/settle/store/memory"
//	    "github.com/xraph/settle/transfer"
//	)
//
//	g := gate.NewStatic(1000)
//	_ = g.SetDefaultFee(100) // 1%
//	g.GrantAdmin("ops")
//
//	eng, err := settle.New(memory.New(), g, transfer.NewVault())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop()
//
// # Invoices and settlement
//
//	inv, err := eng.CreateInvoice(ctx, settle.InvoiceRequest{
//	    Payee:     "merchant",
//	    Options:   []settle.Money{settle.Of("usd", 10_00), settle.Of("gas", 5_0000_0000)},
//	    ExpiresAt: time.Now().Add(time.Hour),
//	})
//
//	// The payer pays with any accepted asset, at least the option amount.
//	inv, err = eng.Settle(ctx, inv.ID, "usd", 10_00, "payer")
//
// A settled invoice credits the payee with the paid amount minus the fee and
// adds the fee to the asset's fee pool. Overpayment is kept in full.
//
// # Balances and treasury
//
//	rec, err := eng.WithdrawAll(ctx, "merchant", "usd", "merchant-wallet", "merchant")
//	_, err = eng.RegisterDestination(ctx, "treasury-wallet", "main", true, "ops")
//	rec, err = eng.CollectFees(ctx, "usd", "treasury-wallet", "treasury-bot")
//
// # Atomicity
//
// Each mutating operation runs in one store transaction with the asset
// transfer as its last step. A failed transfer rolls the ledger back; a
// commit that fails after the transfer succeeded triggers a reverse
// transfer. Reconcile recomputes every balance from invoices and the
// withdrawal log.
//
// All amounts are int64 in the asset's smallest unit; fees are computed in
// basis points and rounded down.
package settle
