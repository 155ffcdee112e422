package settle

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/types"
	"github.com/xraph/settle/withdrawal"
)

// WithdrawalHistory lists withdrawal and fee collection records matching f.
// The page size is capped by Config.MaxPageSize.
func (e *Engine) WithdrawalHistory(ctx context.Context, f withdrawal.Filter) ([]*withdrawal.Record, error) {
	f.Limit = e.config.pageLimit(f.Limit)
	return e.store.ListWithdrawals(ctx, f)
}

// WithdrawalTotals aggregates every record matching f by asset and kind,
// ignoring paging.
func (e *Engine) WithdrawalTotals(ctx context.Context, f withdrawal.Filter) ([]withdrawal.Total, error) {
	records, err := e.store.ListWithdrawals(ctx, f.Unpaged())
	if err != nil {
		return nil, err
	}
	return withdrawal.Summarize(records), nil
}

// Revenue is a payee's position in one asset. Gross and Fees include
// invoices later refunded; NetCredit counts only invoices still paid, so in
// a consistent ledger Balance equals NetCredit minus Withdrawn.
type Revenue struct {
	Asset     string `json:"asset"`
	Settled   int    `json:"settled"`
	Refunds   int    `json:"refunds"`
	Gross     int64  `json:"gross"`
	Fees      int64  `json:"fees"`
	Refunded  int64  `json:"refunded"`
	NetCredit int64  `json:"net_credit"`
	Withdrawn int64  `json:"withdrawn"`
	Balance   int64  `json:"balance"`
}

// PayeeRevenue summarizes a payee's settled, refunded and withdrawn value
// per asset. Balance is read from the store, not derived.
func (e *Engine) PayeeRevenue(ctx context.Context, payee string) ([]Revenue, error) {
	if payee == "" {
		return nil, ValidationError{Field: "payee", Message: "payee is required"}
	}

	invoices, err := e.store.ListInvoices(ctx, invoice.ListOpts{Payee: payee})
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListWithdrawals(ctx, withdrawal.Filter{
		Payee: payee,
		Kind:  withdrawal.KindPayeeWithdrawal,
	})
	if err != nil {
		return nil, err
	}
	balances, err := e.store.ListPayeeBalances(ctx, payee)
	if err != nil {
		return nil, err
	}

	byAsset := make(map[string]*Revenue)
	get := func(asset string) *Revenue {
		r, ok := byAsset[asset]
		if !ok {
			r = &Revenue{Asset: asset}
			byAsset[asset] = r
		}
		return r
	}

	for _, inv := range invoices {
		if inv.Status != invoice.StatusPaid && inv.Status != invoice.StatusRefunded {
			continue
		}
		r := get(inv.Settled.Asset)
		r.Settled++
		r.Gross = saturatingAdd(r.Gross, inv.Settled.Amount)
		r.Fees = saturatingAdd(r.Fees, inv.Fee)
		if inv.Status == invoice.StatusRefunded {
			r.Refunds++
			r.Refunded = saturatingAdd(r.Refunded, inv.Settled.Amount)
			continue
		}
		r.NetCredit = saturatingAdd(r.NetCredit, inv.PayeeCredit().Amount)
	}
	for _, rec := range records {
		r := get(rec.Asset)
		r.Withdrawn = saturatingAdd(r.Withdrawn, rec.Amount)
	}
	for _, b := range balances {
		get(b.Asset).Balance = b.Amount
	}

	out := make([]Revenue, 0, len(byAsset))
	for _, r := range byAsset {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func saturatingAdd(a, b int64) int64 {
	if sum, ok := types.AddInt64(a, b); ok {
		return sum
	}
	return math.MaxInt64
}

// ──────────────────────────────────────────────────
// Reconciliation
// ──────────────────────────────────────────────────

// Custodian is implemented by transfers that can report how much of an
// asset they hold on the engine's behalf. transfer.Vault implements it.
type Custodian interface {
	Custody(asset string) int64
}

// AssetReport is the reconciled position of one asset.
type AssetReport struct {
	Asset string `json:"asset"`

	// Ledger totals.
	PayeeBalances int64 `json:"payee_balances"`
	FeePool       int64 `json:"fee_pool"`

	// Totals derived from invoices and the withdrawal log.
	SettledIn      int64 `json:"settled_in"`
	RefundedOut    int64 `json:"refunded_out"`
	WithdrawnOut   int64 `json:"withdrawn_out"`
	CollectedOut   int64 `json:"collected_out"`
	ExpectedPayees int64 `json:"expected_payees"`
	ExpectedFees   int64 `json:"expected_fees"`

	// Custody is -1 when the transfer cannot report it.
	Custody int64 `json:"custody"`
}

// Discrepancy is one mismatch found by Reconcile.
type Discrepancy struct {
	Asset    string `json:"asset"`
	Payee    string `json:"payee,omitempty"`
	What     string `json:"what"`
	Expected int64  `json:"expected"`
	Actual   int64  `json:"actual"`
}

func (d Discrepancy) String() string {
	if d.Payee != "" {
		return fmt.Sprintf("%s %s for %s: expected %d, got %d", d.Asset, d.What, d.Payee, d.Expected, d.Actual)
	}
	return fmt.Sprintf("%s %s: expected %d, got %d", d.Asset, d.What, d.Expected, d.Actual)
}

// Report is the result of Reconcile.
type Report struct {
	Assets        []AssetReport `json:"assets"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
}

// Balanced reports whether no discrepancy was found.
func (r *Report) Balanced() bool { return len(r.Discrepancies) == 0 }

// Reconcile recomputes every payee balance and fee pool from settled
// invoices and the withdrawal log and compares them with the stored
// balances. When the transfer is a Custodian, custody must equal payee
// balances plus the fee pool. The report is always returned; the error wraps
// ErrConservationViolated when it lists discrepancies.
//
// Reconcile takes the engine lock so it sees no operation half done.
func (e *Engine) Reconcile(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	invoices, err := e.store.ListInvoices(ctx, invoice.ListOpts{})
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListWithdrawals(ctx, withdrawal.Filter{})
	if err != nil {
		return nil, err
	}

	type key struct{ payee, asset string }
	expectedPayee := make(map[key]int64)
	assets := make(map[string]*AssetReport)
	asset := func(name string) *AssetReport {
		a, ok := assets[name]
		if !ok {
			a = &AssetReport{Asset: name, Custody: -1}
			assets[name] = a
		}
		return a
	}
	payees := make(map[string]bool)

	for _, inv := range invoices {
		if inv.Status != invoice.StatusPaid && inv.Status != invoice.StatusRefunded {
			continue
		}
		a := asset(inv.Settled.Asset)
		a.SettledIn += inv.Settled.Amount
		payees[inv.Payee] = true
		if inv.Status == invoice.StatusRefunded {
			a.RefundedOut += inv.Settled.Amount
			continue
		}
		a.ExpectedFees += inv.Fee
		a.ExpectedPayees += inv.PayeeCredit().Amount
		expectedPayee[key{inv.Payee, inv.Settled.Asset}] += inv.PayeeCredit().Amount
	}
	for _, rec := range records {
		a := asset(rec.Asset)
		switch rec.Kind {
		case withdrawal.KindPayeeWithdrawal:
			a.WithdrawnOut += rec.Amount
			a.ExpectedPayees -= rec.Amount
			expectedPayee[key{rec.Payee, rec.Asset}] -= rec.Amount
			payees[rec.Payee] = true
		case withdrawal.KindFeeCollection:
			a.CollectedOut += rec.Amount
			a.ExpectedFees -= rec.Amount
		}
	}

	report := &Report{}
	actualPayee := make(map[key]int64)
	for payee := range payees {
		balances, err := e.store.ListPayeeBalances(ctx, payee)
		if err != nil {
			return nil, err
		}
		for _, b := range balances {
			actualPayee[key{payee, b.Asset}] = b.Amount
			asset(b.Asset).PayeeBalances += b.Amount
		}
	}
	pools, err := e.store.ListFeePools(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pools {
		asset(p.Asset).FeePool = p.Amount
	}

	keys := make(map[key]bool, len(expectedPayee)+len(actualPayee))
	for k := range expectedPayee {
		keys[k] = true
	}
	for k := range actualPayee {
		keys[k] = true
	}
	for k := range keys {
		if want, got := expectedPayee[k], actualPayee[k]; want != got {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Asset: k.asset, Payee: k.payee, What: "payee balance", Expected: want, Actual: got,
			})
		}
	}

	custodian, hasCustody := e.transfer.(Custodian)
	for _, a := range assets {
		if a.ExpectedFees != a.FeePool {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Asset: a.Asset, What: "fee pool", Expected: a.ExpectedFees, Actual: a.FeePool,
			})
		}
		if !hasCustody {
			continue
		}
		a.Custody = custodian.Custody(a.Asset)
		if held := a.PayeeBalances + a.FeePool; held != a.Custody {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				Asset: a.Asset, What: "custody", Expected: held, Actual: a.Custody,
			})
		}
	}

	for _, a := range assets {
		report.Assets = append(report.Assets, *a)
	}
	sort.Slice(report.Assets, func(i, j int) bool { return report.Assets[i].Asset < report.Assets[j].Asset })
	sort.Slice(report.Discrepancies, func(i, j int) bool {
		di, dj := report.Discrepancies[i], report.Discrepancies[j]
		if di.Asset != dj.Asset {
			return di.Asset < dj.Asset
		}
		if di.What != dj.What {
			return di.What < dj.What
		}
		return di.Payee < dj.Payee
	})

	if !report.Balanced() {
		e.logger.Error("reconciliation found discrepancies",
			"count", len(report.Discrepancies),
			"first", report.Discrepancies[0].String(),
		)
		return report, fmt.Errorf("%w: %d discrepancies, first: %s",
			ErrConservationViolated, len(report.Discrepancies), report.Discrepancies[0])
	}
	return report, nil
}
