package settle

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/settle/balance"
	"github.com/xraph/settle/id"
	"github.com/xraph/settle/store"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/types"
	"github.com/xraph/settle/withdrawal"
)

// WithdrawRequest describes a payee withdrawal. Invoice optionally
// attributes the withdrawal to one of the payee's invoices.
type WithdrawRequest struct {
	Payee       string
	Asset       string
	Amount      int64
	Destination string
	Actor       string
	Invoice     id.InvoiceID
}

// BatchResult lists the records committed by a batch call and the assets it
// skipped for having nothing to move.
type BatchResult struct {
	Batch   id.BatchID           `json:"batch"`
	Records []*withdrawal.Record `json:"records"`
	Skipped []string             `json:"skipped,omitempty"`
}

// Total returns the amount moved for asset by the batch.
func (b *BatchResult) Total(asset string) int64 {
	var sum int64
	for _, r := range b.Records {
		if r.Asset == asset {
			sum += r.Amount
		}
	}
	return sum
}

// ──────────────────────────────────────────────────
// Payee withdrawals
// ──────────────────────────────────────────────────

// Withdraw moves amount of a payee's balance to destination. The actor must
// be the payee or an administrator.
func (e *Engine) Withdraw(ctx context.Context, req WithdrawRequest) (rec *withdrawal.Record, err error) {
	defer e.failed(ctx, OpWithdraw, &err)

	if err := e.checkWithdraw(ctx, req.Payee, req.Destination, req.Actor); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, ErrZeroAmount
	}

	e.mu.Lock()
	rec, err = e.withdraw(ctx, req, id.Nil)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.emitWithdrawal(ctx, rec)
	return rec, nil
}

// WithdrawAll withdraws the payee's full current balance of asset.
func (e *Engine) WithdrawAll(ctx context.Context, payee, asset, destination, actor string) (rec *withdrawal.Record, err error) {
	defer e.failed(ctx, OpWithdraw, &err)

	if err := e.checkWithdraw(ctx, payee, destination, actor); err != nil {
		return nil, err
	}

	e.mu.Lock()
	rec, err = e.withdrawFull(ctx, payee, asset, destination, actor, id.Nil)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.emitWithdrawal(ctx, rec)
	return rec, nil
}

// WithdrawBatch withdraws the full balance of each listed asset. Assets with
// a zero balance are skipped. Each asset commits on its own; the first hard
// failure stops the batch and is returned together with what already
// committed. The call fails with ErrNothingToWithdraw when no asset had a
// positive balance.
func (e *Engine) WithdrawBatch(ctx context.Context, payee string, assets []string, destination, actor string) (res *BatchResult, err error) {
	defer e.failed(ctx, OpWithdrawBatch, &err)

	if err := e.checkWithdraw(ctx, payee, destination, actor); err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, ErrEmptyAssetList
	}

	res = &BatchResult{Batch: id.NewBatchID()}
	e.mu.Lock()
	err = e.runBatch(res, assets, func(asset string) (*withdrawal.Record, error) {
		return e.withdrawFull(ctx, payee, asset, destination, actor, res.Batch)
	})
	e.mu.Unlock()

	for _, rec := range res.Records {
		e.emitWithdrawal(ctx, rec)
	}
	if err == nil && len(res.Records) == 0 {
		err = fmt.Errorf("%w: payee %s, assets %v", ErrNothingToWithdraw, payee, assets)
	}
	return res, err
}

func (e *Engine) checkWithdraw(ctx context.Context, payee, destination, actor string) error {
	if err := e.requirePayeeOrAdmin(ctx, actor, payee); err != nil {
		return err
	}
	if destination == "" {
		return ErrDestinationUnset
	}
	return nil
}

// withdrawFull withdraws the whole balance, failing with
// ErrNothingToWithdraw on zero. Caller holds e.mu.
func (e *Engine) withdrawFull(ctx context.Context, payee, asset, destination, actor string, batch id.BatchID) (*withdrawal.Record, error) {
	b, err := e.store.GetPayeeBalance(ctx, payee, asset)
	if err != nil {
		return nil, err
	}
	if b.Amount <= 0 {
		return nil, fmt.Errorf("%w: payee %s holds no %s", ErrNothingToWithdraw, payee, asset)
	}
	return e.withdraw(ctx, WithdrawRequest{
		Payee:       payee,
		Asset:       asset,
		Amount:      b.Amount,
		Destination: destination,
		Actor:       actor,
	}, batch)
}

// withdraw debits, records and transfers in one transaction. Caller holds
// e.mu.
func (e *Engine) withdraw(ctx context.Context, req WithdrawRequest, batch id.BatchID) (*withdrawal.Record, error) {
	var rec *withdrawal.Record
	err := e.atomically(ctx, OpWithdraw, func(ctx context.Context, tx store.Store) (reversal, error) {
		if !req.Invoice.IsNil() {
			inv, err := tx.GetInvoice(ctx, req.Invoice)
			if err != nil {
				return nil, err
			}
			if inv.Payee != req.Payee {
				return nil, ValidationError{Field: "invoice", Message: fmt.Sprintf("%s belongs to %s", inv.ID, inv.Payee)}
			}
		}

		now := e.Now()
		if err := tx.DebitPayee(ctx, req.Payee, req.Asset, req.Amount, now); err != nil {
			return nil, err
		}
		rec = &withdrawal.Record{
			ID:          id.NewWithdrawalID(),
			Kind:        withdrawal.KindPayeeWithdrawal,
			Payee:       req.Payee,
			Asset:       req.Asset,
			Amount:      req.Amount,
			Destination: req.Destination,
			Initiator:   req.Actor,
			Invoice:     req.Invoice,
			Batch:       batch,
			CreatedAt:   now,
		}
		if err := tx.AppendWithdrawal(ctx, rec); err != nil {
			return nil, err
		}
		return e.moveOut(ctx, req.Asset, req.Destination, req.Amount)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) emitWithdrawal(ctx context.Context, rec *withdrawal.Record) {
	e.logger.Info("payee withdrawal",
		"withdrawal_id", rec.ID.String(),
		"payee", rec.Payee,
		"amount", e.config.Format(rec.Money()),
		"destination", rec.Destination,
		"initiator", rec.Initiator,
	)
	e.plugins.EmitPayeeWithdrawal(ctx, rec)
}

// runBatch applies fn per asset, skipping nothing-to-move results and
// stopping at the first other error. Duplicate assets are processed once.
func (e *Engine) runBatch(res *BatchResult, assets []string, fn func(asset string) (*withdrawal.Record, error)) error {
	seen := make(map[string]bool, len(assets))
	for _, asset := range assets {
		if seen[asset] {
			continue
		}
		seen[asset] = true

		rec, err := fn(asset)
		switch {
		case err == nil:
			res.Records = append(res.Records, rec)
		case errors.Is(err, ErrNothingToWithdraw), errors.Is(err, ErrNothingToCollect):
			res.Skipped = append(res.Skipped, asset)
		default:
			return fmt.Errorf("batch %s stopped at %s after %d committed: %w", res.Batch, asset, len(res.Records), err)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Fee collection
// ──────────────────────────────────────────────────

// CollectFees moves the whole fee pool of asset to a registered, active
// treasury destination. The actor must hold treasury capability.
func (e *Engine) CollectFees(ctx context.Context, asset, destination, actor string) (rec *withdrawal.Record, err error) {
	defer e.failed(ctx, OpCollectFees, &err)

	if err := e.requireTreasury(ctx, actor); err != nil {
		return nil, err
	}
	if asset == "" {
		return nil, ValidationError{Field: "asset", Message: "asset is required"}
	}

	e.mu.Lock()
	rec, err = e.collect(ctx, asset, destination, actor, id.Nil)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.emitCollection(ctx, rec)
	return rec, nil
}

// CollectFeesBatch collects each listed asset's pool. Empty pools are
// skipped; the call fails with ErrNothingToCollect when every pool was
// empty. Each asset commits on its own and the first hard failure stops the
// batch.
func (e *Engine) CollectFeesBatch(ctx context.Context, assets []string, destination, actor string) (res *BatchResult, err error) {
	defer e.failed(ctx, OpCollectFeesBatch, &err)

	if err := e.requireTreasury(ctx, actor); err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, ErrEmptyAssetList
	}
	return e.collectBatch(ctx, assets, destination, actor)
}

// CollectAllFees collects every fee pool with a positive balance.
func (e *Engine) CollectAllFees(ctx context.Context, destination, actor string) (res *BatchResult, err error) {
	defer e.failed(ctx, OpCollectFeesBatch, &err)

	if err := e.requireTreasury(ctx, actor); err != nil {
		return nil, err
	}
	pools, err := e.store.ListFeePools(ctx)
	if err != nil {
		return nil, err
	}
	var assets []string
	for _, p := range pools {
		if p.Amount > 0 {
			assets = append(assets, p.Asset)
		}
	}
	if len(assets) == 0 {
		return nil, ErrNothingToCollect
	}
	return e.collectBatch(ctx, assets, destination, actor)
}

func (e *Engine) collectBatch(ctx context.Context, assets []string, destination, actor string) (*BatchResult, error) {
	res := &BatchResult{Batch: id.NewBatchID()}
	e.mu.Lock()
	err := e.runBatch(res, assets, func(asset string) (*withdrawal.Record, error) {
		return e.collect(ctx, asset, destination, actor, res.Batch)
	})
	e.mu.Unlock()

	for _, rec := range res.Records {
		e.emitCollection(ctx, rec)
	}
	if err == nil && len(res.Records) == 0 {
		err = fmt.Errorf("%w: assets %v", ErrNothingToCollect, assets)
	}
	return res, err
}

// collect drains one pool. Caller holds e.mu.
func (e *Engine) collect(ctx context.Context, asset, destination, actor string, batch id.BatchID) (*withdrawal.Record, error) {
	var rec *withdrawal.Record
	err := e.atomically(ctx, OpCollectFees, func(ctx context.Context, tx store.Store) (reversal, error) {
		if err := checkDestination(ctx, tx, destination); err != nil {
			return nil, err
		}
		pool, err := tx.GetFeePool(ctx, asset)
		if err != nil {
			return nil, err
		}
		if pool.Amount <= 0 {
			return nil, fmt.Errorf("%w: %s pool is empty", ErrNothingToCollect, asset)
		}

		now := e.Now()
		if err := tx.DebitFeePool(ctx, asset, pool.Amount, now); err != nil {
			return nil, err
		}
		rec = &withdrawal.Record{
			ID:          id.NewWithdrawalID(),
			Kind:        withdrawal.KindFeeCollection,
			Asset:       asset,
			Amount:      pool.Amount,
			Destination: destination,
			Initiator:   actor,
			Batch:       batch,
			CreatedAt:   now,
		}
		if err := tx.AppendWithdrawal(ctx, rec); err != nil {
			return nil, err
		}
		return e.moveOut(ctx, asset, destination, pool.Amount)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func checkDestination(ctx context.Context, tx store.Store, address string) error {
	if address == "" {
		return ErrDestinationUnset
	}
	d, err := tx.GetDestination(ctx, address)
	if err != nil {
		return err
	}
	if !d.Active {
		return fmt.Errorf("%w: %s", ErrDestinationInactive, address)
	}
	return nil
}

func (e *Engine) emitCollection(ctx context.Context, rec *withdrawal.Record) {
	e.logger.Info("fees collected",
		"withdrawal_id", rec.ID.String(),
		"amount", e.config.Format(rec.Money()),
		"destination", rec.Destination,
		"initiator", rec.Initiator,
	)
	e.plugins.EmitFeesCollected(ctx, rec)
}

// ──────────────────────────────────────────────────
// Treasury destinations
// ──────────────────────────────────────────────────

// RegisterDestination registers a treasury destination. Administrators only.
func (e *Engine) RegisterDestination(ctx context.Context, address, label string, active bool, actor string) (d *treasury.Destination, err error) {
	defer e.failed(ctx, OpRegisterDestination, &err)

	if err := e.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}
	if address == "" {
		return nil, ErrDestinationUnset
	}

	e.mu.Lock()
	d = &treasury.Destination{
		Entity:  types.NewEntity(e.Now()),
		Address: address,
		Label:   label,
		Active:  active,
	}
	err = e.store.CreateDestination(ctx, d)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.destinationChanged(ctx, d, treasury.ChangeRegistered, actor)
	return d, nil
}

// DeregisterDestination removes a destination. Past fee collection records
// that reference it are untouched.
func (e *Engine) DeregisterDestination(ctx context.Context, address, actor string) (err error) {
	defer e.failed(ctx, OpDeregisterDestination, &err)

	if err := e.requireAdmin(ctx, actor); err != nil {
		return err
	}

	var d *treasury.Destination
	e.mu.Lock()
	err = e.store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		if d, err = tx.GetDestination(ctx, address); err != nil {
			return err
		}
		return tx.DeleteDestination(ctx, address)
	})
	e.mu.Unlock()
	if err != nil {
		return err
	}

	e.destinationChanged(ctx, d, treasury.ChangeDeregistered, actor)
	return nil
}

// ActivateDestination allows fee collection to the destination.
func (e *Engine) ActivateDestination(ctx context.Context, address, actor string) (*treasury.Destination, error) {
	return e.updateDestination(ctx, address, actor, treasury.ChangeActivated, func(d *treasury.Destination) {
		d.Active = true
	})
}

// DeactivateDestination stops fee collection to the destination.
func (e *Engine) DeactivateDestination(ctx context.Context, address, actor string) (*treasury.Destination, error) {
	return e.updateDestination(ctx, address, actor, treasury.ChangeDeactivated, func(d *treasury.Destination) {
		d.Active = false
	})
}

// RelabelDestination changes a destination's label.
func (e *Engine) RelabelDestination(ctx context.Context, address, label, actor string) (*treasury.Destination, error) {
	return e.updateDestination(ctx, address, actor, treasury.ChangeRelabeled, func(d *treasury.Destination) {
		d.Label = label
	})
}

func (e *Engine) updateDestination(ctx context.Context, address, actor string, change treasury.Change, apply func(*treasury.Destination)) (d *treasury.Destination, err error) {
	defer e.failed(ctx, OpUpdateDestination, &err)

	if err := e.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}

	e.mu.Lock()
	err = e.store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		if d, err = tx.GetDestination(ctx, address); err != nil {
			return err
		}
		apply(d)
		d.Touch(e.Now())
		return tx.UpdateDestination(ctx, d)
	})
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	e.destinationChanged(ctx, d, change, actor)
	return d, nil
}

func (e *Engine) destinationChanged(ctx context.Context, d *treasury.Destination, change treasury.Change, actor string) {
	e.logger.Info("treasury destination "+string(change),
		"address", d.Address,
		"label", d.Label,
		"active", d.Active,
		"actor", actor,
	)
	e.plugins.EmitDestinationChanged(ctx, d, change)
}

// DescribeDestination returns a destination by address.
func (e *Engine) DescribeDestination(ctx context.Context, address string) (*treasury.Destination, error) {
	return e.store.GetDestination(ctx, address)
}

// ListDestinations lists destinations ordered by address.
func (e *Engine) ListDestinations(ctx context.Context, opts treasury.ListOpts) ([]*treasury.Destination, error) {
	return e.store.ListDestinations(ctx, opts)
}

// ──────────────────────────────────────────────────
// Balances
// ──────────────────────────────────────────────────

// PayeeBalance returns a payee's balance of asset; zero if never credited.
func (e *Engine) PayeeBalance(ctx context.Context, payee, asset string) (*balance.PayeeBalance, error) {
	return e.store.GetPayeeBalance(ctx, payee, asset)
}

// PayeeBalances returns every balance the payee has ever held, by asset.
func (e *Engine) PayeeBalances(ctx context.Context, payee string) ([]*balance.PayeeBalance, error) {
	return e.store.ListPayeeBalances(ctx, payee)
}

// FeePoolBalance returns the fee pool of asset; zero if never credited.
func (e *Engine) FeePoolBalance(ctx context.Context, asset string) (*balance.FeePool, error) {
	return e.store.GetFeePool(ctx, asset)
}

// FeePools returns every fee pool, by asset.
func (e *Engine) FeePools(ctx context.Context) ([]*balance.FeePool, error) {
	return e.store.ListFeePools(ctx)
}
