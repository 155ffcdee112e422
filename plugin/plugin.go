// Package plugin provides an extensible plugin system for Settle.
// Plugins can hook into various lifecycle events to extend functionality.
// Hooks run after the operation has committed; a hook error is logged and
// never undoes or fails the operation.
package plugin

import (
	"context"

	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/withdrawal"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *settle.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

// OnInvoiceCreated is called when an invoice is created.
type OnInvoiceCreated interface {
	Plugin
	OnInvoiceCreated(ctx context.Context, inv *invoice.Invoice) error
}

// OnInvoicePaid is called when an invoice is settled.
type OnInvoicePaid interface {
	Plugin
	OnInvoicePaid(ctx context.Context, inv *invoice.Invoice) error
}

// OnInvoiceRefunded is called when a paid invoice is refunded.
type OnInvoiceRefunded interface {
	Plugin
	OnInvoiceRefunded(ctx context.Context, inv *invoice.Invoice, actor string) error
}

// OnInvoiceExpired is called when an invoice is cancelled or swept as overdue.
type OnInvoiceExpired interface {
	Plugin
	OnInvoiceExpired(ctx context.Context, inv *invoice.Invoice, actor string) error
}

// ──────────────────────────────────────────────────
// Balance and treasury hooks
// ──────────────────────────────────────────────────

// OnPayeeWithdrawal is called for every committed payee withdrawal.
type OnPayeeWithdrawal interface {
	Plugin
	OnPayeeWithdrawal(ctx context.Context, rec *withdrawal.Record) error
}

// OnFeesCollected is called for every committed fee collection.
type OnFeesCollected interface {
	Plugin
	OnFeesCollected(ctx context.Context, rec *withdrawal.Record) error
}

// OnDestinationChanged is called when a treasury destination is registered,
// deregistered, activated, deactivated or relabeled.
type OnDestinationChanged interface {
	Plugin
	OnDestinationChanged(ctx context.Context, dest *treasury.Destination, change treasury.Change) error
}

// ──────────────────────────────────────────────────
// Failure hooks
// ──────────────────────────────────────────────────

// OnOperationFailed is called when a mutating operation is rejected or fails.
type OnOperationFailed interface {
	Plugin
	OnOperationFailed(ctx context.Context, op string, err error) error
}

// OnTransferReversed is called after the engine issued a compensating
// transfer because the ledger commit failed. reverseErr is nil when the
// reversal succeeded.
type OnTransferReversed interface {
	Plugin
	OnTransferReversed(ctx context.Context, op string, reverseErr error) error
}
