// Package extension provides the Forge extension adapter for Settle.
//
// It implements the forge.Extension interface to integrate Settle
// into a Forge application with automatic dependency discovery,
// DI registration, and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.settle" or "settle" keys.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/drivers/sqlitedriver"
	"github.com/xraph/vessel"

	"github.com/xraph/settle"
	"github.com/xraph/settle/gate"
	"github.com/xraph/settle/store"
	"github.com/xraph/settle/store/memory"
	mongostore "github.com/xraph/settle/store/mongo"
	pgstore "github.com/xraph/settle/store/postgres"
	sqlitestore "github.com/xraph/settle/store/sqlite"
	"github.com/xraph/settle/transfer"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "settle"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Multi-asset invoice settlement engine"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts Settle as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *settle.Engine
	store      store.Store
	gate       gate.Gate
	transfer   transfer.Transfer
	settleOpts []settle.Option
	useGrove   bool
}

// New creates a new Settle Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying settle engine.
// This is nil until Register is called.
func (e *Extension) Engine() *settle.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the settle engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	if e.store == nil && (e.useGrove || e.config.GroveDatabase != "") {
		s, err := e.resolveGroveStore(fapp.Container())
		if err != nil {
			return err
		}
		e.store = s
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.Logger().Warn("settle: no store configured, using in-memory store")
		e.store = memory.New()
	}

	if e.gate == nil {
		g, err := e.buildGate()
		if err != nil {
			return err
		}
		e.gate = g
	}

	if e.transfer == nil {
		e.Logger().Warn("settle: no transfer adapter configured, using in-memory vault")
		e.transfer = transfer.NewVault()
	}

	eng, err := settle.New(e.store, e.gate, e.transfer, e.buildSettleOpts()...)
	if err != nil {
		return fmt.Errorf("settle: build engine: %w", err)
	}
	e.engine = eng

	return vessel.Provide(fapp.Container(), func() (*settle.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("settle: extension not initialized")
	}

	if !e.config.DisableMigrate {
		if err := e.engine.Start(ctx); err != nil {
			return err
		}
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.store == nil {
		return errors.New("settle: store not initialized")
	}
	return e.store.Ping(ctx)
}

// buildSettleOpts constructs settle.Option values from the resolved config.
func (e *Extension) buildSettleOpts() []settle.Option {
	opts := make([]settle.Option, 0, len(e.settleOpts)+3)

	opts = append(opts,
		settle.WithLogger(slog.Default().With("extension", ExtensionName)),
		settle.WithConfig(e.engineConfig()),
	)
	if e.config.PluginTimeout > 0 {
		opts = append(opts, settle.WithPluginTimeout(e.config.PluginTimeout))
	}

	// Append any pass-through settle options.
	opts = append(opts, e.settleOpts...)

	return opts
}

func (e *Extension) engineConfig() settle.Config {
	cfg := settle.DefaultConfig()
	cfg.MaxFeeBps = e.config.MaxFeeBps
	cfg.RecentLimit = e.config.RecentLimit
	cfg.MaxPageSize = e.config.MaxPageSize
	cfg.AssetDecimals = e.config.AssetDecimals
	return cfg
}

// buildGate constructs the static gate from the policy file or the inline
// policy.
func (e *Extension) buildGate() (gate.Gate, error) {
	policy := e.config.Gate
	if e.config.GatePolicyFile != "" {
		loaded, err := gate.LoadStaticConfig(e.config.GatePolicyFile)
		if err != nil {
			return nil, err
		}
		policy = loaded
	}
	if policy.MaxFeeBps == 0 {
		policy.MaxFeeBps = e.config.MaxFeeBps
	}
	g, err := gate.NewStaticFromConfig(policy)
	if err != nil {
		return nil, fmt.Errorf("settle: build gate: %w", err)
	}
	if len(policy.Admins) == 0 && len(policy.Treasurers) == 0 {
		e.Logger().Warn("settle: static gate has no admins or treasurers; refunds and fee collection will be denied")
	}
	return g, nil
}

// resolveGroveStore resolves a grove.DB from the container and builds the
// store that matches its driver.
func (e *Extension) resolveGroveStore(c vessel.Vessel) (store.Store, error) {
	var (
		db  *grove.DB
		err error
	)
	if e.config.GroveDatabase != "" {
		db, err = vessel.InjectNamed[*grove.DB](c, e.config.GroveDatabase)
	} else {
		db, err = vessel.Inject[*grove.DB](c)
	}
	if err != nil {
		return nil, fmt.Errorf("settle: resolve grove database %q: %w", e.config.GroveDatabase, err)
	}

	s, err := storeFromGrove(db)
	if err != nil {
		return nil, err
	}
	e.Logger().Info("settle: using grove store",
		forge.F("database", e.config.GroveDatabase),
		forge.F("driver", fmt.Sprintf("%T", db.Driver())),
	)
	return s, nil
}

// storeFromGrove picks the store backend for the database's driver.
func storeFromGrove(db *grove.DB) (store.Store, error) {
	switch db.Driver().(type) {
	case *pgdriver.PgDB:
		return pgstore.New(db), nil
	case *sqlitedriver.SqliteDB:
		return sqlitestore.New(db), nil
	case *mongodriver.MongoDB:
		return mongostore.New(db), nil
	default:
		return nil, fmt.Errorf("settle: unsupported grove driver %T", db.Driver())
	}
}

// --- Config Loading (mirrors grove/shield extension pattern) ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	// Try loading from config file.
	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("settle: configuration is required but not found in config files; " +
				"ensure 'extensions.settle' or 'settle' key exists in your config")
		}

		// Use programmatic config merged with defaults.
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		// Config loaded from YAML -- merge with programmatic options.
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("settle: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("max_fee_bps", uint32(e.config.MaxFeeBps)),
		forge.F("recent_limit", e.config.RecentLimit),
		forge.F("max_page_size", e.config.MaxPageSize),
		forge.F("plugin_timeout", e.config.PluginTimeout),
		forge.F("grove_database", e.config.GroveDatabase),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.settle", "settle"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("settle: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("settle: loaded config from file",
			forge.F("key", key),
		)
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.MaxFeeBps == 0 {
		cfg.MaxFeeBps = defaults.MaxFeeBps
	}
	if cfg.RecentLimit == 0 {
		cfg.RecentLimit = defaults.RecentLimit
	}
	if cfg.MaxPageSize == 0 {
		cfg.MaxPageSize = defaults.MaxPageSize
	}
	if cfg.PluginTimeout == 0 {
		cfg.PluginTimeout = defaults.PluginTimeout
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence for most fields; programmatic bool flags fill gaps.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	// Programmatic bool flags override when true.
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}

	// String fields: YAML takes precedence.
	if yamlConfig.GroveDatabase == "" && programmaticConfig.GroveDatabase != "" {
		yamlConfig.GroveDatabase = programmaticConfig.GroveDatabase
	}
	if yamlConfig.GatePolicyFile == "" && programmaticConfig.GatePolicyFile != "" {
		yamlConfig.GatePolicyFile = programmaticConfig.GatePolicyFile
	}

	// Numeric fields: YAML takes precedence, programmatic fills gaps.
	if yamlConfig.MaxFeeBps == 0 && programmaticConfig.MaxFeeBps != 0 {
		yamlConfig.MaxFeeBps = programmaticConfig.MaxFeeBps
	}
	if yamlConfig.RecentLimit == 0 && programmaticConfig.RecentLimit != 0 {
		yamlConfig.RecentLimit = programmaticConfig.RecentLimit
	}
	if yamlConfig.MaxPageSize == 0 && programmaticConfig.MaxPageSize != 0 {
		yamlConfig.MaxPageSize = programmaticConfig.MaxPageSize
	}
	if yamlConfig.PluginTimeout == 0 && programmaticConfig.PluginTimeout != 0 {
		yamlConfig.PluginTimeout = programmaticConfig.PluginTimeout
	}
	if len(yamlConfig.AssetDecimals) == 0 && len(programmaticConfig.AssetDecimals) > 0 {
		yamlConfig.AssetDecimals = programmaticConfig.AssetDecimals
	}

	// Gate policy: a YAML gate block wins as a whole; otherwise keep the
	// programmatic policy.
	if !hasPolicy(yamlConfig.Gate) && hasPolicy(programmaticConfig.Gate) {
		yamlConfig.Gate = programmaticConfig.Gate
	}

	// Fill remaining zeros with defaults.
	return mergeWithDefaults(yamlConfig)
}

// hasPolicy reports whether any field of the static gate policy is set.
func hasPolicy(p gate.StaticConfig) bool {
	return p.MaxFeeBps != 0 || p.DefaultFeeBps != 0 ||
		len(p.FeeOverrides) > 0 || len(p.Assets) > 0 || len(p.Payees) > 0 ||
		len(p.PayeeAssets) > 0 || len(p.Admins) > 0 || len(p.Treasurers) > 0
}
