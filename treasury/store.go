package treasury

import "context"

// Store persists treasury destinations. Create fails with an already-exists
// error for a registered address; Get, Update and Delete fail with not found
// for an unknown one.
type Store interface {
	Create(ctx context.Context, d *Destination) error
	Get(ctx context.Context, address string) (*Destination, error)
	List(ctx context.Context, opts ListOpts) ([]*Destination, error)
	Update(ctx context.Context, d *Destination) error
	Delete(ctx context.Context, address string) error
}
