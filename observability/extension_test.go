package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settle"
	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/withdrawal"
)

func value(t *testing.T, c any) float64 {
	t.Helper()
	col, ok := c.(prometheus.Collector)
	require.True(t, ok, "metric is not a prometheus collector")
	return testutil.ToFloat64(col)
}

func TestMetricsExtensionCounts(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetricsExtension(NewPrometheusFactory(reg, WithNamespace("test")))

	inv := &invoice.Invoice{FeeBps: 100}
	rec := &withdrawal.Record{}
	dest := &treasury.Destination{Address: "vault"}

	require.NoError(t, m.OnInit(ctx, nil))
	require.NoError(t, m.OnInvoiceCreated(ctx, inv))
	require.NoError(t, m.OnInvoiceCreated(ctx, inv))
	require.NoError(t, m.OnInvoicePaid(ctx, inv))
	require.NoError(t, m.OnInvoiceRefunded(ctx, inv, "ops"))
	require.NoError(t, m.OnInvoiceExpired(ctx, inv, "ops"))
	require.NoError(t, m.OnPayeeWithdrawal(ctx, rec))
	require.NoError(t, m.OnFeesCollected(ctx, rec))
	require.NoError(t, m.OnDestinationChanged(ctx, dest, treasury.ChangeRegistered))
	require.NoError(t, m.OnTransferReversed(ctx, settle.OpSettle, nil))
	require.NoError(t, m.OnTransferReversed(ctx, settle.OpSettle, errors.New("stuck")))

	tests := []struct {
		name string
		c    Counter
		want float64
	}{
		{"created", m.InvoiceCreated, 2},
		{"paid", m.InvoicePaid, 1},
		{"refunded", m.InvoiceRefunded, 1},
		{"expired", m.InvoiceExpired, 1},
		{"payee withdrawals", m.PayeeWithdrawals, 1},
		{"fee collections", m.FeeCollections, 1},
		{"destination changes", m.DestinationChanges, 1},
		{"reversals", m.TransferReversals, 1},
		{"reversal failures", m.TransferReversalFailure, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, value(t, tt.c))
		})
	}

	n, err := testutil.GatherAndCount(reg, "test_settle_invoice_fee_bps")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOperationFailuresByKind(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetricsExtension(NewPrometheusFactory(reg))

	require.NoError(t, m.OnOperationFailed(ctx, settle.OpSettle, settle.ErrInvoiceExpired))
	require.NoError(t, m.OnOperationFailed(ctx, settle.OpSettle, settle.ErrInvoiceExpired))
	require.NoError(t, m.OnOperationFailed(ctx, settle.OpWithdraw, fmt.Errorf("rail: %w", settle.ErrTransferFailed)))
	require.NoError(t, m.OnOperationFailed(ctx, settle.OpWithdraw, errors.New("boom")))

	tests := []struct {
		kind settle.Kind
		want float64
	}{
		{settle.KindExpired, 2},
		{settle.KindTransferFailed, 1},
		{settle.KindInternal, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, value(t, m.failureCounter(tt.kind)))
		})
	}
}

func TestPrometheusFactoryReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := NewPrometheusFactory(reg)

	a := f.Counter("settle.invoice.paid")
	b := f.Counter("settle.invoice.paid")
	a.Inc()
	b.Inc()

	assert.Equal(t, float64(2), value(t, a))
	assert.Equal(t, float64(2), value(t, b))

	n, err := testutil.GatherAndCount(reg, "settle_invoice_paid_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Two extensions over one registry share their collectors.
	first := NewMetricsExtension(f)
	second := NewMetricsExtension(f)
	first.InvoiceCreated.Inc()
	second.InvoiceCreated.Inc()
	assert.Equal(t, float64(2), value(t, first.InvoiceCreated))
}
