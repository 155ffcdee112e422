package withdrawal

import (
	"context"

	"github.com/xraph/settle/id"
)

// Store is the append-only withdrawal log.
type Store interface {
	Append(ctx context.Context, r *Record) error
	Get(ctx context.Context, recID id.WithdrawalID) (*Record, error)
	List(ctx context.Context, f Filter) ([]*Record, error)
}
