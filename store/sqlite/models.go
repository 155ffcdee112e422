package sqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/settle/balance"
	"github.com/xraph/settle/id"
	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/types"
	"github.com/xraph/settle/withdrawal"
)

// SQLite has no JSON column type; options and metadata are stored as TEXT.

type invoiceModel struct {
	grove.BaseModel `grove:"table:settle_invoices"`

	ID            string     `grove:"id,pk"`
	Payee         string     `grove:"payee"`
	Options       string     `grove:"options"`
	Status        string     `grove:"status"`
	ExpiresAt     time.Time  `grove:"expires_at"`
	Payer         string     `grove:"payer"`
	SettledAmount int64      `grove:"settled_amount"`
	SettledAsset  string     `grove:"settled_asset"`
	Fee           int64      `grove:"fee"`
	FeeBps        int64      `grove:"fee_bps"`
	SettledAt     *time.Time `grove:"settled_at"`
	RefundedAt    *time.Time `grove:"refunded_at"`
	ClosedBy      string     `grove:"closed_by"`
	Memo          string     `grove:"memo"`
	Metadata      string     `grove:"metadata"`
	CreatedAt     time.Time  `grove:"created_at"`
	UpdatedAt     time.Time  `grove:"updated_at"`
}

func toInvoiceModel(inv *invoice.Invoice) (*invoiceModel, error) {
	options, err := json.Marshal(inv.Options)
	if err != nil {
		return nil, fmt.Errorf("settle/sqlite: encode options: %w", err)
	}
	metadata := []byte("{}")
	if len(inv.Metadata) > 0 {
		if metadata, err = json.Marshal(inv.Metadata); err != nil {
			return nil, fmt.Errorf("settle/sqlite: encode metadata: %w", err)
		}
	}
	return &invoiceModel{
		ID:            inv.ID.String(),
		Payee:         inv.Payee,
		Options:       string(options),
		Status:        string(inv.Status),
		ExpiresAt:     inv.ExpiresAt.UTC(),
		Payer:         inv.Payer,
		SettledAmount: inv.Settled.Amount,
		SettledAsset:  inv.Settled.Asset,
		Fee:           inv.Fee,
		FeeBps:        int64(inv.FeeBps),
		SettledAt:     utcPtr(inv.SettledAt),
		RefundedAt:    utcPtr(inv.RefundedAt),
		ClosedBy:      inv.ClosedBy,
		Memo:          inv.Memo,
		Metadata:      string(metadata),
		CreatedAt:     inv.CreatedAt.UTC(),
		UpdatedAt:     inv.UpdatedAt.UTC(),
	}, nil
}

func fromInvoiceModel(m *invoiceModel) (*invoice.Invoice, error) {
	invID, err := id.ParseInvoiceID(m.ID)
	if err != nil {
		return nil, err
	}
	var options []types.Money
	if m.Options != "" {
		if err := json.Unmarshal([]byte(m.Options), &options); err != nil {
			return nil, fmt.Errorf("settle/sqlite: decode options of %s: %w", m.ID, err)
		}
	}
	var metadata map[string]string
	if m.Metadata != "" && m.Metadata != "{}" {
		if err := json.Unmarshal([]byte(m.Metadata), &metadata); err != nil {
			return nil, fmt.Errorf("settle/sqlite: decode metadata of %s: %w", m.ID, err)
		}
	}
	return &invoice.Invoice{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:         invID,
		Payee:      m.Payee,
		Options:    options,
		Status:     invoice.Status(m.Status),
		ExpiresAt:  m.ExpiresAt.UTC(),
		Payer:      m.Payer,
		Settled:    types.Money{Amount: m.SettledAmount, Asset: m.SettledAsset},
		Fee:        m.Fee,
		FeeBps:     types.BPS(m.FeeBps),
		SettledAt:  utcPtr(m.SettledAt),
		RefundedAt: utcPtr(m.RefundedAt),
		ClosedBy:   m.ClosedBy,
		Memo:       m.Memo,
		Metadata:   metadata,
	}, nil
}

type payeeBalanceModel struct {
	grove.BaseModel `grove:"table:settle_payee_balances"`

	Payee     string    `grove:"payee,pk"`
	Asset     string    `grove:"asset,pk"`
	Amount    int64     `grove:"amount"`
	UpdatedAt time.Time `grove:"updated_at"`
}

func fromPayeeBalanceModel(m *payeeBalanceModel) *balance.PayeeBalance {
	return &balance.PayeeBalance{
		Payee:     m.Payee,
		Asset:     m.Asset,
		Amount:    m.Amount,
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}

type feePoolModel struct {
	grove.BaseModel `grove:"table:settle_fee_pools"`

	Asset     string    `grove:"asset,pk"`
	Amount    int64     `grove:"amount"`
	UpdatedAt time.Time `grove:"updated_at"`
}

func fromFeePoolModel(m *feePoolModel) *balance.FeePool {
	return &balance.FeePool{
		Asset:     m.Asset,
		Amount:    m.Amount,
		UpdatedAt: m.UpdatedAt.UTC(),
	}
}

type withdrawalModel struct {
	grove.BaseModel `grove:"table:settle_withdrawals"`

	ID          string    `grove:"id,pk"`
	Kind        string    `grove:"kind"`
	Payee       string    `grove:"payee"`
	Asset       string    `grove:"asset"`
	Amount      int64     `grove:"amount"`
	Destination string    `grove:"destination"`
	Initiator   string    `grove:"initiator"`
	InvoiceID   string    `grove:"invoice_id"`
	BatchID     string    `grove:"batch_id"`
	CreatedAt   time.Time `grove:"created_at"`
}

func toWithdrawalModel(r *withdrawal.Record) *withdrawalModel {
	m := &withdrawalModel{
		ID:          r.ID.String(),
		Kind:        string(r.Kind),
		Payee:       r.Payee,
		Asset:       r.Asset,
		Amount:      r.Amount,
		Destination: r.Destination,
		Initiator:   r.Initiator,
		CreatedAt:   r.CreatedAt.UTC(),
	}
	if !r.Invoice.IsNil() {
		m.InvoiceID = r.Invoice.String()
	}
	if !r.Batch.IsNil() {
		m.BatchID = r.Batch.String()
	}
	return m
}

func fromWithdrawalModel(m *withdrawalModel) (*withdrawal.Record, error) {
	recID, err := id.ParseWithdrawalID(m.ID)
	if err != nil {
		return nil, err
	}
	invID, err := id.ParseOptional(m.InvoiceID, id.PrefixInvoice)
	if err != nil {
		return nil, err
	}
	batchID, err := id.ParseOptional(m.BatchID, id.PrefixBatch)
	if err != nil {
		return nil, err
	}
	return &withdrawal.Record{
		ID:          recID,
		Kind:        withdrawal.Kind(m.Kind),
		Payee:       m.Payee,
		Asset:       m.Asset,
		Amount:      m.Amount,
		Destination: m.Destination,
		Initiator:   m.Initiator,
		Invoice:     invID,
		Batch:       batchID,
		CreatedAt:   m.CreatedAt.UTC(),
	}, nil
}

type destinationModel struct {
	grove.BaseModel `grove:"table:settle_destinations"`

	Address   string    `grove:"address,pk"`
	Label     string    `grove:"label"`
	Active    bool      `grove:"active"`
	CreatedAt time.Time `grove:"created_at"`
	UpdatedAt time.Time `grove:"updated_at"`
}

func toDestinationModel(d *treasury.Destination) *destinationModel {
	return &destinationModel{
		Address:   d.Address,
		Label:     d.Label,
		Active:    d.Active,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

func fromDestinationModel(m *destinationModel) *treasury.Destination {
	return &treasury.Destination{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		Address: m.Address,
		Label:   m.Label,
		Active:  m.Active,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
