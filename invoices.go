package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/settle/id"
	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/store"
	"github.com/xraph/settle/types"
)

// InvoiceRequest describes an invoice to create. A nil ID is generated.
type InvoiceRequest struct {
	ID        id.InvoiceID
	Payee     string
	Options   []types.Money
	ExpiresAt time.Time
	Memo      string
	Metadata  map[string]string
}

// CreateInvoice creates a pending invoice. Checks run in this order: options
// present, option amounts positive, payee eligible, every option asset
// eligible for the payee, expiry in the future, id unused.
func (e *Engine) CreateInvoice(ctx context.Context, req InvoiceRequest) (inv *invoice.Invoice, err error) {
	defer e.failed(ctx, OpCreateInvoice, &err)

	if len(req.Options) == 0 {
		return nil, ErrEmptyOptions
	}
	for i, opt := range req.Options {
		if opt.Asset == "" {
			return nil, ValidationError{Field: fmt.Sprintf("options[%d].asset", i), Message: "asset is required"}
		}
		if opt.Amount <= 0 {
			return nil, fmt.Errorf("%w: options[%d] = %s", ErrInvalidOption, i, opt)
		}
	}
	if !req.ID.IsNil() && req.ID.Prefix() != id.PrefixInvoice {
		return nil, ValidationError{Field: "id", Message: fmt.Sprintf("expected %q prefix, got %q", id.PrefixInvoice, req.ID.Prefix())}
	}

	ok, err := e.gate.IsPayeeEligible(ctx, req.Payee)
	if err != nil {
		return nil, gateErr("payee eligibility", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIneligiblePayee, req.Payee)
	}
	for _, opt := range req.Options {
		if err := e.checkAssetForPayee(ctx, req.Payee, opt.Asset); err != nil {
			return nil, err
		}
	}

	inv, err = e.createInvoice(ctx, req)
	if err != nil {
		return nil, err
	}

	e.logger.Info("invoice created",
		"invoice_id", inv.ID.String(),
		"payee", inv.Payee,
		"options", len(inv.Options),
		"expires_at", inv.ExpiresAt,
	)
	e.plugins.EmitInvoiceCreated(ctx, inv)
	return inv, nil
}

func (e *Engine) checkAssetForPayee(ctx context.Context, payee, asset string) error {
	ok, err := e.gate.IsAssetEligible(ctx, asset)
	if err != nil {
		return gateErr("asset eligibility", err)
	}
	if ok {
		ok, err = e.gate.IsAssetEligibleForPayee(ctx, payee, asset)
		if err != nil {
			return gateErr("payee asset eligibility", err)
		}
	}
	if !ok {
		return fmt.Errorf("%w: %q for payee %q", ErrIneligibleAsset, asset, payee)
	}
	return nil
}

func (e *Engine) createInvoice(ctx context.Context, req InvoiceRequest) (*invoice.Invoice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.Now()
	if !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: %s is not after %s", ErrInvalidExpiry, req.ExpiresAt.UTC().Format(time.RFC3339), now.Format(time.RFC3339))
	}

	invID := req.ID
	if invID.IsNil() {
		invID = id.NewInvoiceID()
	}
	inv := &invoice.Invoice{
		Entity:    types.NewEntity(now),
		ID:        invID,
		Payee:     req.Payee,
		Options:   append([]types.Money(nil), req.Options...),
		Status:    invoice.StatusPending,
		ExpiresAt: req.ExpiresAt.UTC(),
		Memo:      req.Memo,
		Metadata:  req.Metadata,
	}
	if err := e.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// CancelOrExpire moves a pending invoice to expired, stamping its expiry
// with the current time. The actor must be the owning payee or an
// administrator. No value moves.
func (e *Engine) CancelOrExpire(ctx context.Context, invID id.InvoiceID, actor string) (inv *invoice.Invoice, err error) {
	defer e.failed(ctx, OpCancelInvoice, &err)

	inv, err = e.cancel(ctx, invID, actor)
	if err != nil {
		return nil, err
	}

	e.logger.Info("invoice cancelled",
		"invoice_id", invID.String(),
		"actor", actor,
	)
	e.plugins.EmitInvoiceExpired(ctx, inv, actor)
	return inv, nil
}

func (e *Engine) cancel(ctx context.Context, invID id.InvoiceID, actor string) (*invoice.Invoice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out *invoice.Invoice
	err := e.store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		inv, err := tx.GetInvoice(ctx, invID)
		if err != nil {
			return err
		}
		if inv.Status != invoice.StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrInvoiceNotActive, invID, inv.Status)
		}
		if err := e.requirePayeeOrAdmin(ctx, actor, inv.Payee); err != nil {
			return err
		}
		if err := tx.MarkInvoiceExpired(ctx, invID, e.Now(), actor); err != nil {
			return err
		}
		out, err = tx.GetInvoice(ctx, invID)
		return err
	})
	return out, err
}

// ExpireOverdue marks up to limit pending invoices whose expiry has passed
// as expired and returns them. A non-positive limit uses the page cap.
// Only administrators may sweep.
func (e *Engine) ExpireOverdue(ctx context.Context, actor string, limit int) (expired []*invoice.Invoice, err error) {
	defer e.failed(ctx, OpExpireOverdue, &err)

	if err := e.requireAdmin(ctx, actor); err != nil {
		return nil, err
	}

	expired, err = e.expireOverdue(ctx, actor, limit)
	for _, inv := range expired {
		e.plugins.EmitInvoiceExpired(ctx, inv, actor)
	}
	if len(expired) > 0 {
		e.logger.Info("overdue invoices expired",
			"count", len(expired),
			"actor", actor,
		)
	}
	return expired, err
}

func (e *Engine) expireOverdue(ctx context.Context, actor string, limit int) ([]*invoice.Invoice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.Now()
	overdue, err := e.store.ListInvoices(ctx, invoice.ListOpts{
		Status:        invoice.StatusPending,
		ExpiresBefore: &now,
		Limit:         e.config.pageLimit(limit),
	})
	if err != nil {
		return nil, err
	}

	expired := make([]*invoice.Invoice, 0, len(overdue))
	for _, inv := range overdue {
		if err := e.store.MarkInvoiceExpired(ctx, inv.ID, now, actor); err != nil {
			if IsInvalidState(err) {
				continue // settled or cancelled since listing
			}
			return expired, err
		}
		updated, err := e.store.GetInvoice(ctx, inv.ID)
		if err != nil {
			return expired, err
		}
		expired = append(expired, updated)
	}
	return expired, nil
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// GetInvoice returns an invoice by id.
func (e *Engine) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	return e.store.GetInvoice(ctx, invID)
}

// ListInvoices lists invoices matching opts. The limit is capped by
// Config.MaxPageSize.
func (e *Engine) ListInvoices(ctx context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	opts.Limit = e.config.pageLimit(opts.Limit)
	return e.store.ListInvoices(ctx, opts)
}

// InvoicesByPayee lists a payee's invoices, oldest first.
func (e *Engine) InvoicesByPayee(ctx context.Context, payee string) ([]*invoice.Invoice, error) {
	return e.ListInvoices(ctx, invoice.ListOpts{Payee: payee})
}

// InvoicesByStatus lists invoices in the given status, oldest first.
func (e *Engine) InvoicesByStatus(ctx context.Context, status invoice.Status) ([]*invoice.Invoice, error) {
	if !status.Valid() {
		return nil, ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	return e.ListInvoices(ctx, invoice.ListOpts{Status: status})
}

// RecentInvoices returns the n most recently created invoices, newest first.
// n <= 0 uses Config.RecentLimit.
func (e *Engine) RecentInvoices(ctx context.Context, n int) ([]*invoice.Invoice, error) {
	if n <= 0 {
		n = e.config.RecentLimit
	}
	return e.ListInvoices(ctx, invoice.ListOpts{Newest: true, Limit: n})
}
