package extension

import (
	"time"

	"github.com/xraph/settle"
	"github.com/xraph/settle/gate"
	"github.com/xraph/settle/plugin"
	"github.com/xraph/settle/store"
	"github.com/xraph/settle/transfer"
	"github.com/xraph/settle/types"
)

// Option configures the Settle Forge extension.
type Option func(*Extension)

// WithStore sets the store for the settle engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGate sets the capability gate. Without it the extension builds a
// static gate from the configured policy.
func WithGate(g gate.Gate) Option {
	return func(e *Extension) {
		e.gate = g
	}
}

// WithTransfer sets the asset transfer adapter. Without it the extension
// falls back to an in-memory vault.
func WithTransfer(t transfer.Transfer) Option {
	return func(e *Extension) {
		e.transfer = t
	}
}

// WithSettleOption passes a settle.Option through to the underlying engine.
func WithSettleOption(opt settle.Option) Option {
	return func(e *Extension) {
		e.settleOpts = append(e.settleOpts, opt)
	}
}

// WithPlugin registers a settle plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.settleOpts = append(e.settleOpts, settle.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithMaxFeeBps sets the fee ceiling applied on top of the gate.
func WithMaxFeeBps(bps types.BPS) Option {
	return func(e *Extension) { e.config.MaxFeeBps = bps }
}

// WithPluginTimeout bounds each plugin hook call.
func WithPluginTimeout(d time.Duration) Option {
	return func(e *Extension) { e.config.PluginTimeout = d }
}

// WithGatePolicyFile loads the static gate policy from a YAML file.
func WithGatePolicyFile(path string) Option {
	return func(e *Extension) { e.config.GatePolicyFile = path }
}

// WithGroveDatabase sets the name of the grove.DB to resolve from the DI container.
// The extension will auto-construct the appropriate store backend (postgres/sqlite/mongo)
// based on the grove driver type. Pass an empty string to use the default (unnamed) grove.DB.
func WithGroveDatabase(name string) Option {
	return func(e *Extension) {
		e.config.GroveDatabase = name
		e.useGrove = true
	}
}
