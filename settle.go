package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/settle/clock"
	"github.com/xraph/settle/gate"
	"github.com/xraph/settle/plugin"
	"github.com/xraph/settle/store"
	"github.com/xraph/settle/transfer"
)

// Operation names used in logs, plugin failure events and metrics.
const (
	OpCreateInvoice         = "create_invoice"
	OpCancelInvoice         = "cancel_invoice"
	OpExpireOverdue         = "expire_overdue"
	OpSettle                = "settle"
	OpRefund                = "refund"
	OpWithdraw              = "withdraw"
	OpWithdrawBatch         = "withdraw_batch"
	OpCollectFees           = "collect_fees"
	OpCollectFeesBatch      = "collect_fees_batch"
	OpRegisterDestination   = "register_destination"
	OpDeregisterDestination = "deregister_destination"
	OpUpdateDestination     = "update_destination"
)

// Engine is the settlement engine. Every mutating method runs as one store
// transaction with the asset transfer as its final step, and mutating
// methods are serialized with respect to each other. Read methods never
// take the engine lock.
type Engine struct {
	store    store.Store
	gate     gate.Gate
	transfer transfer.Transfer
	clock    clock.Clock
	plugins  *plugin.Registry
	logger   *slog.Logger
	config   Config

	mu sync.Mutex
}

// New creates an engine over the given collaborators.
func New(s store.Store, g gate.Gate, t transfer.Transfer, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if g == nil {
		return nil, fmt.Errorf("%w: gate is required", ErrInvalidInput)
	}
	if t == nil {
		return nil, fmt.Errorf("%w: transfer is required", ErrInvalidInput)
	}

	e := &Engine{
		store:    s,
		gate:     g,
		transfer: t,
		clock:    clock.Real(),
		plugins:  plugin.NewRegistry(),
		logger:   slog.Default(),
		config:   DefaultConfig(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithPluginTimeout bounds each plugin hook call.
func WithPluginTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.plugins.WithTimeout(d)
	}
}

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithConfig replaces the configuration. It is validated by New.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.config = cfg
	}
}

// Start migrates the store and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("settle engine started",
		"max_fee_bps", uint32(e.config.MaxFeeBps),
		"plugins", e.plugins.Count(),
	)
	return nil
}

// Stop notifies plugins and closes the store.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.plugins.EmitShutdown(context.Background())
	e.logger.Info("settle engine stopped")
	return e.store.Close()
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Gate returns the capability gate.
func (e *Engine) Gate() gate.Gate { return e.gate }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Config returns the configuration.
func (e *Engine) Config() Config { return e.config }

// Now returns the engine's current time in UTC.
func (e *Engine) Now() time.Time { return e.clock.Now().UTC() }

// ──────────────────────────────────────────────────
// Atomic execution
// ──────────────────────────────────────────────────

// reversal undoes a completed transfer.
type reversal func(ctx context.Context) error

// atomically runs fn in one store transaction. fn performs its ledger writes
// and then the transfer, returning how to reverse it. If fn succeeds but the
// commit fails, the transfer already happened, so the reversal is issued.
func (e *Engine) atomically(ctx context.Context, op string, fn func(ctx context.Context, tx store.Store) (reversal, error)) error {
	var undo reversal
	err := e.store.Tx(ctx, func(ctx context.Context, tx store.Store) error {
		r, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		undo = r
		return nil
	})
	if err != nil && undo != nil {
		e.compensate(ctx, op, undo, err)
	}
	return err
}

func (e *Engine) compensate(ctx context.Context, op string, undo reversal, cause error) {
	ctx = context.WithoutCancel(ctx)
	rerr := undo(ctx)
	if rerr != nil {
		e.logger.Error("transfer reversal failed after commit failure",
			"op", op,
			"commit_error", cause,
			"reverse_error", rerr,
		)
	} else {
		e.logger.Error("transfer reversed after commit failure",
			"op", op,
			"commit_error", cause,
		)
	}
	e.plugins.EmitTransferReversed(ctx, op, rerr)
}

func (e *Engine) moveIn(ctx context.Context, asset, from string, amount int64) (reversal, error) {
	if err := e.transfer.MoveIn(ctx, asset, from, amount); err != nil {
		return nil, fmt.Errorf("%w: move in %d %s from %s: %w", ErrTransferFailed, amount, asset, from, err)
	}
	return func(ctx context.Context) error {
		return e.transfer.MoveOut(ctx, asset, from, amount)
	}, nil
}

func (e *Engine) moveOut(ctx context.Context, asset, to string, amount int64) (reversal, error) {
	if err := e.transfer.MoveOut(ctx, asset, to, amount); err != nil {
		return nil, fmt.Errorf("%w: move out %d %s to %s: %w", ErrTransferFailed, amount, asset, to, err)
	}
	return func(ctx context.Context) error {
		return e.transfer.MoveIn(ctx, asset, to, amount)
	}, nil
}

// failed reports a rejected or failed operation to plugins. Use as
// defer e.failed(ctx, op, &err).
func (e *Engine) failed(ctx context.Context, op string, errp *error) {
	if *errp == nil {
		return
	}
	e.logger.Debug("operation failed",
		"op", op,
		"kind", string(KindOf(*errp)),
		"error", *errp,
	)
	e.plugins.EmitOperationFailed(ctx, op, *errp)
}

// ──────────────────────────────────────────────────
// Authorization
// ──────────────────────────────────────────────────

var errGate = errors.New("settle: capability gate")

func gateErr(query string, err error) error {
	return fmt.Errorf("%w: %s: %w", errGate, query, err)
}

func (e *Engine) isAdmin(ctx context.Context, actor string) (bool, error) {
	ok, err := e.gate.HasAdminCapability(ctx, actor)
	if err != nil {
		return false, gateErr("admin capability", err)
	}
	return ok, nil
}

func (e *Engine) requireAdmin(ctx context.Context, actor string) error {
	if actor == "" {
		return ErrEmptyActor
	}
	ok, err := e.isAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s lacks admin capability", ErrUnauthorized, actor)
	}
	return nil
}

func (e *Engine) requireTreasury(ctx context.Context, actor string) error {
	if actor == "" {
		return ErrEmptyActor
	}
	ok, err := e.gate.HasTreasuryCapability(ctx, actor)
	if err != nil {
		return gateErr("treasury capability", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s lacks treasury capability", ErrUnauthorized, actor)
	}
	return nil
}

// requirePayeeOrAdmin admits the payee itself or an administrator acting on
// its behalf.
func (e *Engine) requirePayeeOrAdmin(ctx context.Context, actor, payee string) error {
	if actor == "" {
		return ErrEmptyActor
	}
	if actor == payee {
		return nil
	}
	ok, err := e.isAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s may not act for payee %s", ErrUnauthorized, actor, payee)
	}
	return nil
}
