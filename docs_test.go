package settle_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/settle"
	"github.com/xraph/settle/gate"
	"github.com/xraph/settle/store/memory"
	"github.com/xraph/settle/transfer"
	"github.com/xraph/settle/types"
)

// TestDocumentationExamples verifies that the package documentation examples
// run as written.
func TestDocumentationExamples(t *testing.T) {
	t.Run("QuickStartExample", func(t *testing.T) {
		ctx := context.Background()

		g := gate.NewStatic(1000)
		if err := g.SetDefaultFee(100); err != nil {
			t.Fatal(err)
		}
		g.GrantAdmin("ops")
		g.GrantTreasury("treasury-bot")

		vault := transfer.NewVault()
		vault.Fund("payer", "usd", 100_00)

		eng, err := settle.New(memory.New(), g, vault, settle.WithLogger(slog.Default()))
		if err != nil {
			t.Fatal(err)
		}
		if err := eng.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer eng.Stop()

		inv, err := eng.CreateInvoice(ctx, settle.InvoiceRequest{
			Payee:     "merchant",
			Options:   []settle.Money{settle.Of("usd", 10_00), settle.Of("gas", 5_0000_0000)},
			ExpiresAt: time.Now().Add(time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}

		inv, err = eng.Settle(ctx, inv.ID, "usd", 10_00, "payer")
		if err != nil {
			t.Fatal(err)
		}
		t.Logf("settled %s, fee %s", inv.Settled, inv.FeeCharged())

		if _, err := eng.WithdrawAll(ctx, "merchant", "usd", "merchant-wallet", "merchant"); err != nil {
			t.Fatal(err)
		}
		if _, err := eng.RegisterDestination(ctx, "treasury-wallet", "main", true, "ops"); err != nil {
			t.Fatal(err)
		}
		if _, err := eng.CollectFees(ctx, "usd", "treasury-wallet", "treasury-bot"); err != nil {
			t.Fatal(err)
		}

		if got := vault.BalanceOf("merchant-wallet", "usd"); got != 9_90 {
			t.Errorf("merchant wallet = %d, want 990", got)
		}
		if got := vault.BalanceOf("treasury-wallet", "usd"); got != 10 {
			t.Errorf("treasury wallet = %d, want 10", got)
		}
		if _, err := eng.Reconcile(ctx); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("MoneyExamples", func(t *testing.T) {
		m := settle.Of("usd", 1000)
		if got := m.Format(2); got != "10.00 usd" {
			t.Errorf("Format = %q", got)
		}
		if got := m.String(); got != "1000 usd" {
			t.Errorf("String = %q", got)
		}

		fee, net := m.SplitFee(types.BPS(250))
		if fee.Amount != 25 || net.Amount != 975 {
			t.Errorf("SplitFee = %s / %s", fee, net)
		}
		if sum := settle.Sum(fee, net); !sum.Equal(m) {
			t.Errorf("Sum = %s", sum)
		}
		if !settle.Zero("usd").IsZero() {
			t.Error("Zero is not zero")
		}
	})

	t.Run("ConfigExample", func(t *testing.T) {
		cfg, err := settle.ParseConfig([]byte("max_fee_bps: 500\nasset_decimals:\n  usd: 2\n"))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.MaxFeeBps != 500 {
			t.Errorf("MaxFeeBps = %d", cfg.MaxFeeBps)
		}
		if got := cfg.Format(settle.Of("usd", 1234)); got != "12.34 usd" {
			t.Errorf("Format = %q", got)
		}
	})
}
