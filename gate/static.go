package gate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/xraph/settle/types"
)

var (
	// ErrFeeTooHigh is returned when a fee exceeds the configured bound.
	ErrFeeTooHigh = errors.New("gate: fee exceeds maximum")

	// ErrInvalidMaxFee is returned when the bound itself exceeds 100%.
	ErrInvalidMaxFee = errors.New("gate: maximum fee exceeds 10000 bps")
)

// compile-time interface check
var _ Gate = (*Static)(nil)

// StaticConfig describes a Static policy. It is usually loaded from YAML:
//
//	max_fee_bps: 1000
//	default_fee_bps: 100
//	fee_overrides:
//	  merchant-a: 50
//	assets: [usd, gas]
//	payees: [merchant-a]
//	payee_assets:
//	  merchant-a: [usd]
//	admins: [ops]
//	treasurers: [treasury-bot]
//
// An empty Assets list allows every asset and an empty Payees list allows
// every payee. A payee missing from PayeeAssets may accept any allowed asset.
type StaticConfig struct {
	MaxFeeBps     types.BPS            `json:"max_fee_bps"     mapstructure:"max_fee_bps"     yaml:"max_fee_bps"`
	DefaultFeeBps types.BPS            `json:"default_fee_bps" mapstructure:"default_fee_bps" yaml:"default_fee_bps"`
	FeeOverrides  map[string]types.BPS `json:"fee_overrides"   mapstructure:"fee_overrides"   yaml:"fee_overrides"`
	Assets        []string             `json:"assets"          mapstructure:"assets"          yaml:"assets"`
	Payees        []string             `json:"payees"          mapstructure:"payees"          yaml:"payees"`
	PayeeAssets   map[string][]string  `json:"payee_assets"    mapstructure:"payee_assets"    yaml:"payee_assets"`
	Admins        []string             `json:"admins"          mapstructure:"admins"          yaml:"admins"`
	Treasurers    []string             `json:"treasurers"      mapstructure:"treasurers"      yaml:"treasurers"`
}

// ParseStaticConfig decodes a YAML policy document.
func ParseStaticConfig(data []byte) (StaticConfig, error) {
	var cfg StaticConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return StaticConfig{}, fmt.Errorf("gate: parse static config: %w", err)
	}
	return cfg, nil
}

// LoadStaticConfig reads and decodes a YAML policy file.
func LoadStaticConfig(path string) (StaticConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StaticConfig{}, fmt.Errorf("gate: read %s: %w", path, err)
	}
	return ParseStaticConfig(data)
}

// Static is an in-memory Gate. It is safe for concurrent use; its setters
// exist for wiring and tests and are not part of the Gate interface.
type Static struct {
	mu sync.RWMutex

	maxFee     types.BPS
	defaultFee types.BPS
	overrides  map[string]types.BPS

	// Once an allow list has been configured it stays in force, even
	// after its last entry is revoked.
	assets         map[string]bool
	restrictAssets bool
	payees         map[string]bool
	restrictPayees bool

	payeeAssets map[string]map[string]bool
	admins      map[string]bool
	treasurers  map[string]bool
}

// NewStatic creates an empty policy with the given fee bound. Every asset and
// payee is eligible until an allow list is configured; nobody is an admin or
// treasurer.
func NewStatic(maxFee types.BPS) *Static {
	if maxFee > types.MaxBPS {
		maxFee = types.MaxBPS
	}
	return &Static{
		maxFee:      maxFee,
		overrides:   make(map[string]types.BPS),
		assets:      make(map[string]bool),
		payees:      make(map[string]bool),
		payeeAssets: make(map[string]map[string]bool),
		admins:      make(map[string]bool),
		treasurers:  make(map[string]bool),
	}
}

// NewStaticFromConfig builds a policy from cfg, validating every fee. A zero
// MaxFeeBps bounds fees at 100%; the engine applies its own cap on top.
func NewStaticFromConfig(cfg StaticConfig) (*Static, error) {
	if cfg.MaxFeeBps > types.MaxBPS {
		return nil, ErrInvalidMaxFee
	}
	maxFee := cfg.MaxFeeBps
	if maxFee == 0 {
		maxFee = types.MaxBPS
	}
	s := NewStatic(maxFee)
	if err := s.SetDefaultFee(cfg.DefaultFeeBps); err != nil {
		return nil, err
	}
	for payee, bps := range cfg.FeeOverrides {
		if err := s.SetPayeeFee(payee, bps); err != nil {
			return nil, err
		}
	}
	s.AllowAssets(cfg.Assets...)
	s.AllowPayees(cfg.Payees...)
	for payee, assets := range cfg.PayeeAssets {
		s.AllowPayeeAssets(payee, assets...)
	}
	s.GrantAdmin(cfg.Admins...)
	s.GrantTreasury(cfg.Treasurers...)
	return s, nil
}

// SetDefaultFee sets the system default fee.
func (s *Static) SetDefaultFee(bps types.BPS) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bps > s.maxFee {
		return fmt.Errorf("%w: default %s > %s", ErrFeeTooHigh, bps, s.maxFee)
	}
	s.defaultFee = bps
	return nil
}

// SetPayeeFee sets a payee override. Zero clears it.
func (s *Static) SetPayeeFee(payee string, bps types.BPS) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bps > s.maxFee {
		return fmt.Errorf("%w: %s override %s > %s", ErrFeeTooHigh, payee, bps, s.maxFee)
	}
	if bps == 0 {
		delete(s.overrides, payee)
		return nil
	}
	s.overrides[payee] = bps
	return nil
}

// AllowAssets adds assets to the global allow list.
func (s *Static) AllowAssets(assets ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assets {
		s.assets[a] = true
		s.restrictAssets = true
	}
}

// RevokeAsset removes an asset from the global allow list. Revoking the last
// entry leaves no asset eligible.
func (s *Static) RevokeAsset(asset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assets, asset)
}

// AllowPayees adds payees to the allow list.
func (s *Static) AllowPayees(payees ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range payees {
		s.payees[p] = true
		s.restrictPayees = true
	}
}

// RevokePayee removes a payee from the allow list. Revoking the last entry
// leaves no payee eligible.
func (s *Static) RevokePayee(payee string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.payees, payee)
}

// AllowPayeeAssets restricts payee to the listed assets (cumulative).
func (s *Static) AllowPayeeAssets(payee string, assets ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.payeeAssets[payee]
	if !ok {
		set = make(map[string]bool, len(assets))
		s.payeeAssets[payee] = set
	}
	for _, a := range assets {
		set[a] = true
	}
}

// GrantAdmin gives identities administrative capability.
func (s *Static) GrantAdmin(identities ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range identities {
		s.admins[id] = true
	}
}

// RevokeAdmin removes administrative capability.
func (s *Static) RevokeAdmin(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.admins, identity)
}

// GrantTreasury gives identities treasury capability.
func (s *Static) GrantTreasury(identities ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range identities {
		s.treasurers[id] = true
	}
}

// RevokeTreasury removes treasury capability.
func (s *Static) RevokeTreasury(identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.treasurers, identity)
}

// IsAssetEligible implements Gate.
func (s *Static) IsAssetEligible(_ context.Context, asset string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assetAllowed(asset), nil
}

// IsPayeeEligible implements Gate.
func (s *Static) IsPayeeEligible(_ context.Context, payee string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if payee == "" {
		return false, nil
	}
	return !s.restrictPayees || s.payees[payee], nil
}

// IsAssetEligibleForPayee implements Gate.
func (s *Static) IsAssetEligibleForPayee(_ context.Context, payee, asset string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.assetAllowed(asset) {
		return false, nil
	}
	set, restricted := s.payeeAssets[payee]
	return !restricted || set[asset], nil
}

// EffectiveFeeBps implements Gate.
func (s *Static) EffectiveFeeBps(_ context.Context, payee string) (types.BPS, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bps, ok := s.overrides[payee]; ok && bps != 0 {
		return bps, nil
	}
	return s.defaultFee, nil
}

// HasAdminCapability implements Gate.
func (s *Static) HasAdminCapability(_ context.Context, identity string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return identity != "" && s.admins[identity], nil
}

// HasTreasuryCapability implements Gate.
func (s *Static) HasTreasuryCapability(_ context.Context, identity string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return identity != "" && s.treasurers[identity], nil
}

func (s *Static) assetAllowed(asset string) bool {
	if asset == "" {
		return false
	}
	return !s.restrictAssets || s.assets[asset]
}
