package invoice

import (
	"context"
	"time"

	"github.com/xraph/settle/id"
)

// Store persists invoices. Transition methods are conditional on the current
// status: they fail with a not-found error when the invoice does not exist and
// an invalid-state error when it is not in the required status.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	Get(ctx context.Context, invID id.InvoiceID) (*Invoice, error)
	List(ctx context.Context, opts ListOpts) ([]*Invoice, error)
	MarkPaid(ctx context.Context, invID id.InvoiceID, s Settlement) error
	MarkRefunded(ctx context.Context, invID id.InvoiceID, at time.Time, actor string) error
	MarkExpired(ctx context.Context, invID id.InvoiceID, at time.Time, actor string) error
}

// ListOpts filters and pages invoice listings. Results are ordered by
// creation time, oldest first unless Newest is set.
type ListOpts struct {
	Payee         string
	Status        Status
	ExpiresBefore *time.Time
	Newest        bool
	Limit         int
	Offset        int
}
