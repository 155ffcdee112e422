package settle

import (
	"context"
	"fmt"

	"github.com/xraph/settle/id"
	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/store"
	"github.com/xraph/settle/types"
)

// Quote is the split a settlement would produce.
type Quote struct {
	Payee  string      `json:"payee"`
	Option types.Money `json:"option,omitzero"`
	Amount types.Money `json:"amount"`
	Fee    types.Money `json:"fee"`
	Net    types.Money `json:"net"`
	FeeBps types.BPS   `json:"fee_bps"`
}

// EffectiveFeeBps returns the gate's fee for payee capped at
// Config.MaxFeeBps.
func (e *Engine) EffectiveFeeBps(ctx context.Context, payee string) (types.BPS, error) {
	bps, err := e.gate.EffectiveFeeBps(ctx, payee)
	if err != nil {
		return 0, gateErr("fee schedule", err)
	}
	return bps.Cap(e.config.MaxFeeBps), nil
}

// Quote computes the fee and payee credit that settling amount of asset to
// payee would produce right now.
func (e *Engine) Quote(ctx context.Context, payee, asset string, amount int64) (Quote, error) {
	if amount <= 0 {
		return Quote{}, ErrZeroAmount
	}
	bps, err := e.EffectiveFeeBps(ctx, payee)
	if err != nil {
		return Quote{}, err
	}
	fee, net := types.Of(asset, amount).SplitFee(bps)
	return Quote{
		Payee:  payee,
		Amount: types.Of(asset, amount),
		Fee:    fee,
		Net:    net,
		FeeBps: bps,
	}, nil
}

// ResolvePayment previews Settle without moving anything: it runs the same
// precondition checks and returns the matched option and the split.
func (e *Engine) ResolvePayment(ctx context.Context, invID id.InvoiceID, asset string, amount int64) (Quote, error) {
	inv, err := e.store.GetInvoice(ctx, invID)
	if err != nil {
		return Quote{}, err
	}
	opt, err := e.checkSettleable(inv, asset, amount)
	if err != nil {
		return Quote{}, err
	}
	q, err := e.Quote(ctx, inv.Payee, asset, amount)
	if err != nil {
		return Quote{}, err
	}
	q.Option = opt
	return q, nil
}

// checkSettleable applies the ordered settlement preconditions after the
// existence check: pending, not expired, resolution rule, positive amount.
func (e *Engine) checkSettleable(inv *invoice.Invoice, asset string, amount int64) (types.Money, error) {
	if inv.Status != invoice.StatusPending {
		return types.Money{}, fmt.Errorf("%w: %s is %s", ErrInvoiceNotActive, inv.ID, inv.Status)
	}
	if now := e.Now(); now.After(inv.ExpiresAt) {
		return types.Money{}, fmt.Errorf("%w: %s expired at %s", ErrInvoiceExpired, inv.ID, inv.ExpiresAt)
	}
	opt, res := inv.Resolve(asset, amount)
	switch res {
	case invoice.AssetNotAccepted:
		return types.Money{}, fmt.Errorf("%w: %q", ErrAssetNotAccepted, asset)
	case invoice.Underpaid:
		return types.Money{}, fmt.Errorf("%w: presented %d, requires %s", ErrUnderpaid, amount, opt)
	}
	if amount <= 0 {
		return types.Money{}, ErrZeroAmount
	}
	return opt, nil
}

// Settle pays a pending invoice. amount of asset is moved from payer into
// custody; the payee is credited amount minus the fee and the fee pool the
// fee. The rate applied is stored on the invoice. Any excess over the
// matched option is kept in full.
func (e *Engine) Settle(ctx context.Context, invID id.InvoiceID, asset string, amount int64, payer string) (inv *invoice.Invoice, err error) {
	defer e.failed(ctx, OpSettle, &err)

	inv, err = e.settle(ctx, invID, asset, amount, payer)
	if err != nil {
		return nil, err
	}

	e.logger.Info("invoice settled",
		"invoice_id", invID.String(),
		"payee", inv.Payee,
		"payer", payer,
		"amount", e.config.Format(inv.Settled),
		"fee", e.config.Format(inv.FeeCharged()),
		"fee_bps", uint32(inv.FeeBps),
	)
	e.plugins.EmitInvoicePaid(ctx, inv)
	return inv, nil
}

func (e *Engine) settle(ctx context.Context, invID id.InvoiceID, asset string, amount int64, payer string) (*invoice.Invoice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out *invoice.Invoice
	err := e.atomically(ctx, OpSettle, func(ctx context.Context, tx store.Store) (reversal, error) {
		inv, err := tx.GetInvoice(ctx, invID)
		if err != nil {
			return nil, err
		}
		if _, err := e.checkSettleable(inv, asset, amount); err != nil {
			return nil, err
		}
		if payer == "" {
			return nil, ErrEmptyPayer
		}

		bps, err := e.EffectiveFeeBps(ctx, inv.Payee)
		if err != nil {
			return nil, err
		}
		fee, net := types.Of(asset, amount).SplitFee(bps)
		now := e.Now()

		s := invoice.Settlement{
			Payer:  payer,
			Amount: types.Of(asset, amount),
			Fee:    fee.Amount,
			FeeBps: bps,
			At:     now,
		}
		if err := tx.MarkInvoicePaid(ctx, invID, s); err != nil {
			return nil, err
		}
		if err := tx.CreditPayee(ctx, inv.Payee, asset, net.Amount, now); err != nil {
			return nil, err
		}
		if err := tx.CreditFeePool(ctx, asset, fee.Amount, now); err != nil {
			return nil, err
		}

		s.Apply(inv)
		out = inv
		return e.moveIn(ctx, asset, payer, amount)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Refund reverses a paid invoice using the fee recorded at settlement. The
// payee balance and fee pool must still cover their shares; the full settled
// amount is returned to the original payer. Only administrators may refund.
func (e *Engine) Refund(ctx context.Context, invID id.InvoiceID, actor string) (inv *invoice.Invoice, err error) {
	defer e.failed(ctx, OpRefund, &err)

	inv, err = e.refund(ctx, invID, actor)
	if err != nil {
		return nil, err
	}

	e.logger.Info("invoice refunded",
		"invoice_id", invID.String(),
		"payer", inv.Payer,
		"amount", e.config.Format(inv.Settled),
		"actor", actor,
	)
	e.plugins.EmitInvoiceRefunded(ctx, inv, actor)
	return inv, nil
}

func (e *Engine) refund(ctx context.Context, invID id.InvoiceID, actor string) (*invoice.Invoice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out *invoice.Invoice
	err := e.atomically(ctx, OpRefund, func(ctx context.Context, tx store.Store) (reversal, error) {
		inv, err := tx.GetInvoice(ctx, invID)
		if err != nil {
			return nil, err
		}
		if inv.Status != invoice.StatusPaid {
			return nil, fmt.Errorf("%w: %s is %s", ErrInvoiceNotPaid, invID, inv.Status)
		}
		if err := e.requireAdmin(ctx, actor); err != nil {
			return nil, err
		}

		asset := inv.Settled.Asset
		now := e.Now()
		if err := tx.DebitPayee(ctx, inv.Payee, asset, inv.PayeeCredit().Amount, now); err != nil {
			return nil, err
		}
		if err := tx.DebitFeePool(ctx, asset, inv.Fee, now); err != nil {
			return nil, err
		}
		if err := tx.MarkInvoiceRefunded(ctx, invID, now, actor); err != nil {
			return nil, err
		}

		out, err = tx.GetInvoice(ctx, invID)
		if err != nil {
			return nil, err
		}
		return e.moveOut(ctx, asset, inv.Payer, inv.Settled.Amount)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
