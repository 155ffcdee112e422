package audithook

// Action constants for audit events.
const (
	// Invoice actions
	ActionInvoiceCreated  = "invoice.created"
	ActionInvoicePaid     = "invoice.paid"
	ActionInvoiceRefunded = "invoice.refunded"
	ActionInvoiceExpired  = "invoice.expired"

	// Payout actions
	ActionPayeeWithdrawal = "payee.withdrawal"
	ActionFeesCollected   = "fees.collected"

	// Treasury destination actions
	ActionDestinationRegistered   = "destination.registered"
	ActionDestinationDeregistered = "destination.deregistered"
	ActionDestinationActivated    = "destination.activated"
	ActionDestinationDeactivated  = "destination.deactivated"
	ActionDestinationRelabeled    = "destination.relabeled"

	// Integrity actions
	ActionOperationFailed  = "operation.failed"
	ActionTransferReversed = "transfer.reversed"
)

// Resource constants for audit events.
const (
	ResourceInvoice     = "invoice"
	ResourceWithdrawal  = "withdrawal"
	ResourceDestination = "destination"
	ResourceOperation   = "operation"
)

// Category constants for audit events.
const (
	CategorySettlement = "settlement"
	CategoryPayout     = "payout"
	CategoryTreasury   = "treasury"
	CategoryIntegrity  = "integrity"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
