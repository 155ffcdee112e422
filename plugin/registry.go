package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/withdrawal"
)

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// It uses type-cached discovery for O(1) dispatch performance.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	// Type-cached plugin lists for efficient dispatch
	onInit               []OnInit
	onShutdown           []OnShutdown
	onInvoiceCreated     []OnInvoiceCreated
	onInvoicePaid        []OnInvoicePaid
	onInvoiceRefunded    []OnInvoiceRefunded
	onInvoiceExpired     []OnInvoiceExpired
	onPayeeWithdrawal    []OnPayeeWithdrawal
	onFeesCollected      []OnFeesCollected
	onDestinationChanged []OnDestinationChanged
	onOperationFailed    []OnOperationFailed
	onTransferReversed   []OnTransferReversed
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-hook timeout. Non-positive values are ignored.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its interfaces.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
	}
	if v, ok := p.(OnInvoiceCreated); ok {
		r.onInvoiceCreated = append(r.onInvoiceCreated, v)
	}
	if v, ok := p.(OnInvoicePaid); ok {
		r.onInvoicePaid = append(r.onInvoicePaid, v)
	}
	if v, ok := p.(OnInvoiceRefunded); ok {
		r.onInvoiceRefunded = append(r.onInvoiceRefunded, v)
	}
	if v, ok := p.(OnInvoiceExpired); ok {
		r.onInvoiceExpired = append(r.onInvoiceExpired, v)
	}
	if v, ok := p.(OnPayeeWithdrawal); ok {
		r.onPayeeWithdrawal = append(r.onPayeeWithdrawal, v)
	}
	if v, ok := p.(OnFeesCollected); ok {
		r.onFeesCollected = append(r.onFeesCollected, v)
	}
	if v, ok := p.(OnDestinationChanged); ok {
		r.onDestinationChanged = append(r.onDestinationChanged, v)
	}
	if v, ok := p.(OnOperationFailed); ok {
		r.onOperationFailed = append(r.onOperationFailed, v)
	}
	if v, ok := p.(OnTransferReversed); ok {
		r.onTransferReversed = append(r.onTransferReversed, v)
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"interfaces", implementedInterfaces(p),
	)

	return nil
}

var hookTypes = []struct {
	name  string
	iface reflect.Type
}{
	{"OnInit", reflect.TypeOf((*OnInit)(nil)).Elem()},
	{"OnShutdown", reflect.TypeOf((*OnShutdown)(nil)).Elem()},
	{"OnInvoiceCreated", reflect.TypeOf((*OnInvoiceCreated)(nil)).Elem()},
	{"OnInvoicePaid", reflect.TypeOf((*OnInvoicePaid)(nil)).Elem()},
	{"OnInvoiceRefunded", reflect.TypeOf((*OnInvoiceRefunded)(nil)).Elem()},
	{"OnInvoiceExpired", reflect.TypeOf((*OnInvoiceExpired)(nil)).Elem()},
	{"OnPayeeWithdrawal", reflect.TypeOf((*OnPayeeWithdrawal)(nil)).Elem()},
	{"OnFeesCollected", reflect.TypeOf((*OnFeesCollected)(nil)).Elem()},
	{"OnDestinationChanged", reflect.TypeOf((*OnDestinationChanged)(nil)).Elem()},
	{"OnOperationFailed", reflect.TypeOf((*OnOperationFailed)(nil)).Elem()},
	{"OnTransferReversed", reflect.TypeOf((*OnTransferReversed)(nil)).Elem()},
}

// implementedInterfaces returns the hook names implemented by the plugin.
func implementedInterfaces(p Plugin) []string {
	var names []string
	v := reflect.TypeOf(p)
	for _, h := range hookTypes {
		if v.Implements(h.iface) {
			names = append(names, h.name)
		}
	}
	return names
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// emit calls fn for each plugin in list, logging failures.
func emit[T Plugin](ctx context.Context, r *Registry, hook string, list []T, fn func(T) error) {
	for _, p := range list {
		if err := r.callWithTimeout(ctx, p.Name(), func() error { return fn(p) }); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// snapshot reads a cached hook list under the read lock.
func snapshot[T any](r *Registry, list *[]T) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return *list
}

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	emit(ctx, r, "OnInit", snapshot(r, &r.onInit), func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(ctx, r, "OnShutdown", snapshot(r, &r.onShutdown), func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitInvoiceCreated emits an invoice created event.
func (r *Registry) EmitInvoiceCreated(ctx context.Context, inv *invoice.Invoice) {
	emit(ctx, r, "OnInvoiceCreated", snapshot(r, &r.onInvoiceCreated), func(p OnInvoiceCreated) error {
		return p.OnInvoiceCreated(ctx, inv)
	})
}

// EmitInvoicePaid emits an invoice paid event.
func (r *Registry) EmitInvoicePaid(ctx context.Context, inv *invoice.Invoice) {
	emit(ctx, r, "OnInvoicePaid", snapshot(r, &r.onInvoicePaid), func(p OnInvoicePaid) error {
		return p.OnInvoicePaid(ctx, inv)
	})
}

// EmitInvoiceRefunded emits an invoice refunded event.
func (r *Registry) EmitInvoiceRefunded(ctx context.Context, inv *invoice.Invoice, actor string) {
	emit(ctx, r, "OnInvoiceRefunded", snapshot(r, &r.onInvoiceRefunded), func(p OnInvoiceRefunded) error {
		return p.OnInvoiceRefunded(ctx, inv, actor)
	})
}

// EmitInvoiceExpired emits an invoice expired event.
func (r *Registry) EmitInvoiceExpired(ctx context.Context, inv *invoice.Invoice, actor string) {
	emit(ctx, r, "OnInvoiceExpired", snapshot(r, &r.onInvoiceExpired), func(p OnInvoiceExpired) error {
		return p.OnInvoiceExpired(ctx, inv, actor)
	})
}

// EmitPayeeWithdrawal emits a payee withdrawal event.
func (r *Registry) EmitPayeeWithdrawal(ctx context.Context, rec *withdrawal.Record) {
	emit(ctx, r, "OnPayeeWithdrawal", snapshot(r, &r.onPayeeWithdrawal), func(p OnPayeeWithdrawal) error {
		return p.OnPayeeWithdrawal(ctx, rec)
	})
}

// EmitFeesCollected emits a fee collection event.
func (r *Registry) EmitFeesCollected(ctx context.Context, rec *withdrawal.Record) {
	emit(ctx, r, "OnFeesCollected", snapshot(r, &r.onFeesCollected), func(p OnFeesCollected) error {
		return p.OnFeesCollected(ctx, rec)
	})
}

// EmitDestinationChanged emits a treasury destination change.
func (r *Registry) EmitDestinationChanged(ctx context.Context, dest *treasury.Destination, change treasury.Change) {
	emit(ctx, r, "OnDestinationChanged", snapshot(r, &r.onDestinationChanged), func(p OnDestinationChanged) error {
		return p.OnDestinationChanged(ctx, dest, change)
	})
}

// EmitOperationFailed emits an operation failure.
func (r *Registry) EmitOperationFailed(ctx context.Context, op string, opErr error) {
	emit(ctx, r, "OnOperationFailed", snapshot(r, &r.onOperationFailed), func(p OnOperationFailed) error {
		return p.OnOperationFailed(ctx, op, opErr)
	})
}

// EmitTransferReversed emits a compensation event.
func (r *Registry) EmitTransferReversed(ctx context.Context, op string, reverseErr error) {
	emit(ctx, r, "OnTransferReversed", snapshot(r, &r.onTransferReversed), func(p OnTransferReversed) error {
		return p.OnTransferReversed(ctx, op, reverseErr)
	})
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins should never block the settlement pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("plugin panic: %s: %v", pluginName, rec)
			}
		}()
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
