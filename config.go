package settle

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xraph/settle/types"
)

// Config holds engine-wide settings.
//
//	max_fee_bps: 1000
//	recent_limit: 20
//	max_page_size: 500
//	asset_decimals:
//	  usd: 2
//	  gas: 8
type Config struct {
	// MaxFeeBps caps whatever fee the gate reports. 1000 is 10%.
	MaxFeeBps types.BPS `json:"max_fee_bps" yaml:"max_fee_bps"`

	// RecentLimit is the default size of RecentInvoices.
	RecentLimit int `json:"recent_limit" yaml:"recent_limit"`

	// MaxPageSize caps every listing. Zero disables the cap.
	MaxPageSize int `json:"max_page_size" yaml:"max_page_size"`

	// AssetDecimals maps asset codes to their minor-unit precision, used
	// only for display.
	AssetDecimals map[string]int32 `json:"asset_decimals" yaml:"asset_decimals"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxFeeBps:   1000,
		RecentLimit: 20,
		MaxPageSize: 500,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.MaxFeeBps.Valid() {
		return ValidationError{Field: "max_fee_bps", Message: fmt.Sprintf("%s exceeds %s", c.MaxFeeBps, types.MaxBPS)}
	}
	if c.RecentLimit < 0 {
		return ValidationError{Field: "recent_limit", Message: "must not be negative"}
	}
	if c.MaxPageSize < 0 {
		return ValidationError{Field: "max_page_size", Message: "must not be negative"}
	}
	for asset, d := range c.AssetDecimals {
		if d < 0 || d > 18 {
			return ValidationError{Field: "asset_decimals." + asset, Message: "must be between 0 and 18"}
		}
	}
	return nil
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("settle: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("settle: read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// Format renders m in major units using the configured precision for its
// asset, e.g. "9.90 usd". Unknown assets are shown in minor units.
func (c Config) Format(m types.Money) string {
	return m.Format(c.AssetDecimals[m.Asset])
}

func (c Config) pageLimit(limit int) int {
	if c.MaxPageSize > 0 && (limit <= 0 || limit > c.MaxPageSize) {
		return c.MaxPageSize
	}
	return limit
}
