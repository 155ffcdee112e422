package settle

import "github.com/xraph/settle/types"

// Re-export common types so callers rarely need the types package.

// Money is re-exported from types package.
type Money = types.Money

// BPS is re-exported from types package.
type BPS = types.BPS

// Entity is re-exported from types package.
type Entity = types.Entity

// Re-export Money constructors
var (
	Of   = types.Of
	Zero = types.Zero
	Sum  = types.Sum
)

// Re-export Entity constructor
var NewEntity = types.NewEntity
