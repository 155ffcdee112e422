// Package gate defines the capability gate consulted by the settlement
// engine: asset and payee eligibility, fee schedule lookups and caller
// authorization. The engine only ever reads through this interface; whoever
// owns the policy state mutates it elsewhere.
package gate

import (
	"context"

	"github.com/xraph/settle/types"
)

// Gate answers eligibility, fee and authorization queries. All methods are
// read-only. An error means the answer could not be obtained, not "no".
type Gate interface {
	// IsAssetEligible reports whether the asset may be used for invoices at all.
	IsAssetEligible(ctx context.Context, asset string) (bool, error)

	// IsPayeeEligible reports whether the payee may issue invoices.
	IsPayeeEligible(ctx context.Context, payee string) (bool, error)

	// IsAssetEligibleForPayee reports whether the payee may accept the asset.
	IsAssetEligibleForPayee(ctx context.Context, payee, asset string) (bool, error)

	// EffectiveFeeBps returns the payee's override if set and non-zero,
	// otherwise the system default.
	EffectiveFeeBps(ctx context.Context, payee string) (types.BPS, error)

	// HasAdminCapability reports whether identity may administer invoices,
	// refunds and treasury destinations.
	HasAdminCapability(ctx context.Context, identity string) (bool, error)

	// HasTreasuryCapability reports whether identity may collect fees.
	HasTreasuryCapability(ctx context.Context, identity string) (bool, error)
}
