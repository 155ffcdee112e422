package plugin

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/withdrawal"
)

type recorder struct {
	name string
	mu   sync.Mutex
	seen []string
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, s)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func (r *recorder) OnInvoicePaid(_ context.Context, inv *invoice.Invoice) error {
	r.add("paid:" + inv.Payee)
	return nil
}

func (r *recorder) OnFeesCollected(_ context.Context, rec *withdrawal.Record) error {
	r.add("fees:" + rec.Asset)
	return nil
}

func (r *recorder) OnDestinationChanged(_ context.Context, d *treasury.Destination, c treasury.Change) error {
	r.add(string(c) + ":" + d.Address)
	return nil
}

type failing struct{}

func (failing) Name() string { return "failing" }
func (failing) OnInvoicePaid(context.Context, *invoice.Invoice) error {
	return errors.New("nope")
}

type slow struct{}

func (slow) Name() string { return "slow" }
func (slow) OnShutdown(ctx context.Context) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

type panicky struct{}

func (panicky) Name() string { return "panicky" }
func (panicky) OnOperationFailed(context.Context, string, error) error {
	panic("boom")
}

func quietRegistry() *Registry {
	return NewRegistry().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterAndDispatch(t *testing.T) {
	ctx := context.Background()
	r := quietRegistry()
	rec := &recorder{name: "rec"}

	require.NoError(t, r.Register(rec))
	require.NoError(t, r.Register(failing{}))
	assert.Error(t, r.Register(&recorder{name: "rec"}), "duplicate names are rejected")
	assert.Equal(t, 2, r.Count())
	assert.Same(t, rec, r.Get("rec"))
	assert.Nil(t, r.Get("missing"))

	r.EmitInvoicePaid(ctx, &invoice.Invoice{Payee: "shop"})
	r.EmitFeesCollected(ctx, &withdrawal.Record{Asset: "usd"})
	r.EmitDestinationChanged(ctx, &treasury.Destination{Address: "vault"}, treasury.ChangeRegistered)
	r.EmitInvoiceCreated(ctx, &invoice.Invoice{}) // no subscriber

	assert.Equal(t, []string{"paid:shop", "fees:usd", "registered:vault"}, rec.events())
}

func TestImplementedInterfaces(t *testing.T) {
	got := implementedInterfaces(&recorder{})
	assert.ElementsMatch(t, []string{"OnInvoicePaid", "OnFeesCollected", "OnDestinationChanged"}, got)
}

func TestCallWithTimeout(t *testing.T) {
	ctx := context.Background()
	r := quietRegistry().WithTimeout(20 * time.Millisecond)

	err := r.callWithTimeout(ctx, "slow", func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	assert.ErrorContains(t, err, "plugin timeout")

	err = r.callWithTimeout(ctx, "panicky", func() error { panic("boom") })
	assert.ErrorContains(t, err, "plugin panic")

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err = r.callWithTimeout(canceled, "slow", func() error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmitSurvivesMisbehavingPlugins(t *testing.T) {
	ctx := context.Background()
	r := quietRegistry().WithTimeout(20 * time.Millisecond)
	require.NoError(t, r.Register(slow{}))
	require.NoError(t, r.Register(panicky{}))

	start := time.Now()
	r.EmitShutdown(ctx)
	r.EmitOperationFailed(ctx, "settle", errors.New("x"))
	assert.Less(t, time.Since(start), 150*time.Millisecond)
}
