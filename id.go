package settle

import "github.com/xraph/settle/id"

// ID is the identifier type for invoices, withdrawal records and batches.
type ID = id.ID

// Prefix identifies the record type encoded in an ID.
type Prefix = id.Prefix
