package extension

import (
	"time"

	"github.com/xraph/settle/gate"
	"github.com/xraph/settle/types"
)

// Config holds the Settle extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.settle" or "settle" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// MaxFeeBps caps whatever fee the gate reports (default: 1000, i.e. 10%).
	MaxFeeBps types.BPS `json:"max_fee_bps" mapstructure:"max_fee_bps" yaml:"max_fee_bps"`

	// RecentLimit is the default size of RecentInvoices (default: 20).
	RecentLimit int `json:"recent_limit" mapstructure:"recent_limit" yaml:"recent_limit"`

	// MaxPageSize caps every listing (default: 500).
	MaxPageSize int `json:"max_page_size" mapstructure:"max_page_size" yaml:"max_page_size"`

	// AssetDecimals maps asset codes to their display precision.
	AssetDecimals map[string]int32 `json:"asset_decimals" mapstructure:"asset_decimals" yaml:"asset_decimals"`

	// PluginTimeout bounds each plugin hook call (default: 5s).
	PluginTimeout time.Duration `json:"plugin_timeout" mapstructure:"plugin_timeout" yaml:"plugin_timeout"`

	// Gate is the inline policy for the built-in static capability gate.
	// Ignored when a gate is supplied with WithGate.
	Gate gate.StaticConfig `json:"gate" mapstructure:"gate" yaml:"gate"`

	// GatePolicyFile points at a YAML policy document for the static gate.
	// When set it replaces the inline Gate policy.
	GatePolicyFile string `json:"gate_policy_file" mapstructure:"gate_policy_file" yaml:"gate_policy_file"`

	// GroveDatabase is the name of a grove.DB registered in the DI container.
	// When set, the extension resolves this named database and auto-constructs
	// the appropriate store based on the driver type (pg/sqlite/mongo).
	// When empty and WithGroveDatabase was called, the default (unnamed) DB is used.
	GroveDatabase string `json:"grove_database" mapstructure:"grove_database" yaml:"grove_database"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxFeeBps:     1000,
		RecentLimit:   20,
		MaxPageSize:   500,
		PluginTimeout: 5 * time.Second,
	}
}
