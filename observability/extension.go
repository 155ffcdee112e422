// Package observability provides a metrics extension for Settle that records
// lifecycle event counts through a MetricFactory.
package observability

import (
	"context"
	"sync"

	"github.com/xraph/settle"
	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/plugin"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/withdrawal"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin               = (*MetricsExtension)(nil)
	_ plugin.OnInit               = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceCreated     = (*MetricsExtension)(nil)
	_ plugin.OnInvoicePaid        = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceRefunded    = (*MetricsExtension)(nil)
	_ plugin.OnInvoiceExpired     = (*MetricsExtension)(nil)
	_ plugin.OnPayeeWithdrawal    = (*MetricsExtension)(nil)
	_ plugin.OnFeesCollected      = (*MetricsExtension)(nil)
	_ plugin.OnDestinationChanged = (*MetricsExtension)(nil)
	_ plugin.OnOperationFailed    = (*MetricsExtension)(nil)
	_ plugin.OnTransferReversed   = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as a Settle plugin to track settlement activity.
type MetricsExtension struct {
	factory MetricFactory

	// Invoice metrics
	InvoiceCreated  Counter
	InvoicePaid     Counter
	InvoiceRefunded Counter
	InvoiceExpired  Counter
	InvoiceFeeBps   Histogram

	// Payout metrics
	PayeeWithdrawals Counter
	FeeCollections   Counter

	// Treasury metrics
	DestinationChanges Counter

	// Integrity metrics
	TransferReversals       Counter
	TransferReversalFailure Counter

	mu       sync.Mutex
	failures map[settle.Kind]Counter
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
// Use NewPrometheusFactory to export through a Prometheus registry.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		InvoiceCreated:  factory.Counter("settle.invoice.created"),
		InvoicePaid:     factory.Counter("settle.invoice.paid"),
		InvoiceRefunded: factory.Counter("settle.invoice.refunded"),
		InvoiceExpired:  factory.Counter("settle.invoice.expired"),
		InvoiceFeeBps:   factory.Histogram("settle.invoice.fee_bps"),

		PayeeWithdrawals: factory.Counter("settle.withdrawal.payee"),
		FeeCollections:   factory.Counter("settle.withdrawal.fees"),

		DestinationChanges: factory.Counter("settle.treasury.destination.changes"),

		TransferReversals:       factory.Counter("settle.transfer.reversed"),
		TransferReversalFailure: factory.Counter("settle.transfer.reverse_failed"),

		failures: make(map[settle.Kind]Counter),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	return nil
}

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

// OnInvoiceCreated implements plugin.OnInvoiceCreated.
func (m *MetricsExtension) OnInvoiceCreated(_ context.Context, _ *invoice.Invoice) error {
	m.InvoiceCreated.Inc()
	return nil
}

// OnInvoicePaid implements plugin.OnInvoicePaid.
func (m *MetricsExtension) OnInvoicePaid(_ context.Context, inv *invoice.Invoice) error {
	m.InvoicePaid.Inc()
	m.InvoiceFeeBps.Observe(float64(inv.FeeBps))
	return nil
}

// OnInvoiceRefunded implements plugin.OnInvoiceRefunded.
func (m *MetricsExtension) OnInvoiceRefunded(_ context.Context, _ *invoice.Invoice, _ string) error {
	m.InvoiceRefunded.Inc()
	return nil
}

// OnInvoiceExpired implements plugin.OnInvoiceExpired.
func (m *MetricsExtension) OnInvoiceExpired(_ context.Context, _ *invoice.Invoice, _ string) error {
	m.InvoiceExpired.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Payout hooks
// ──────────────────────────────────────────────────

// OnPayeeWithdrawal implements plugin.OnPayeeWithdrawal.
func (m *MetricsExtension) OnPayeeWithdrawal(_ context.Context, _ *withdrawal.Record) error {
	m.PayeeWithdrawals.Inc()
	return nil
}

// OnFeesCollected implements plugin.OnFeesCollected.
func (m *MetricsExtension) OnFeesCollected(_ context.Context, _ *withdrawal.Record) error {
	m.FeeCollections.Inc()
	return nil
}

// OnDestinationChanged implements plugin.OnDestinationChanged.
func (m *MetricsExtension) OnDestinationChanged(_ context.Context, _ *treasury.Destination, _ treasury.Change) error {
	m.DestinationChanges.Inc()
	return nil
}

// ──────────────────────────────────────────────────
// Integrity hooks
// ──────────────────────────────────────────────────

// OnOperationFailed implements plugin.OnOperationFailed. Failures are
// counted per error kind.
func (m *MetricsExtension) OnOperationFailed(_ context.Context, _ string, err error) error {
	m.failureCounter(settle.KindOf(err)).Inc()
	return nil
}

// OnTransferReversed implements plugin.OnTransferReversed.
func (m *MetricsExtension) OnTransferReversed(_ context.Context, _ string, reverseErr error) error {
	if reverseErr != nil {
		m.TransferReversalFailure.Inc()
		return nil
	}
	m.TransferReversals.Inc()
	return nil
}

func (m *MetricsExtension) failureCounter(kind settle.Kind) Counter {
	if kind == settle.KindNone {
		kind = settle.KindInternal
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.failures[kind]
	if !ok {
		c = m.factory.Counter("settle.operation.failed." + string(kind))
		m.failures[kind] = c
	}
	return c
}
