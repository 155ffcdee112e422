package settle

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine wraps exactly one of these,
// so callers can branch with errors.Is on the kind and still print the
// specific cause.
var (
	ErrNotFound            = errors.New("settle: not found")
	ErrAlreadyExists       = errors.New("settle: already exists")
	ErrInvalidInput        = errors.New("settle: invalid input")
	ErrInvalidState        = errors.New("settle: invalid state")
	ErrExpired             = errors.New("settle: expired")
	ErrUnauthorized        = errors.New("settle: unauthorized")
	ErrInsufficientBalance = errors.New("settle: insufficient balance")
	ErrIneligibleAsset     = errors.New("settle: ineligible asset")
	ErrIneligiblePayee     = errors.New("settle: ineligible payee")
	ErrTransferFailed      = errors.New("settle: transfer failed")
)

// Specific failures.
var (
	// Invoice errors
	ErrInvoiceNotFound  = newKindError(ErrNotFound, "invoice not found")
	ErrInvoiceExists    = newKindError(ErrAlreadyExists, "invoice already exists")
	ErrInvoiceNotActive = newKindError(ErrInvalidState, "invoice is not pending")
	ErrInvoiceNotPaid   = newKindError(ErrInvalidState, "invoice is not paid")
	ErrInvoiceExpired   = newKindError(ErrExpired, "invoice has expired")
	ErrEmptyOptions     = newKindError(ErrInvalidInput, "invoice has no payment options")
	ErrInvalidOption    = newKindError(ErrInvalidInput, "payment option amount must be positive")
	ErrInvalidExpiry    = newKindError(ErrInvalidInput, "expiry must be in the future")

	// Settlement errors
	ErrAssetNotAccepted = newKindError(ErrInvalidInput, "asset not accepted by invoice")
	ErrUnderpaid        = newKindError(ErrInvalidInput, "payment below required amount")
	ErrZeroAmount       = newKindError(ErrInvalidInput, "amount must be positive")
	ErrEmptyPayer       = newKindError(ErrInvalidInput, "payer is required")
	ErrEmptyActor       = newKindError(ErrUnauthorized, "actor is required")

	// Balance and treasury errors
	ErrDestinationUnset    = newKindError(ErrInvalidInput, "destination is required")
	ErrEmptyAssetList      = newKindError(ErrInvalidInput, "asset list is empty")
	ErrNothingToWithdraw   = newKindError(ErrInsufficientBalance, "no positive balance to withdraw")
	ErrNothingToCollect    = newKindError(ErrInsufficientBalance, "no fees to collect")
	ErrBalanceOverflow     = newKindError(ErrInvalidInput, "balance would overflow")
	ErrDestinationNotFound = newKindError(ErrNotFound, "treasury destination not found")
	ErrDestinationExists   = newKindError(ErrAlreadyExists, "treasury destination already registered")
	ErrDestinationInactive = newKindError(ErrInvalidState, "treasury destination is inactive")
	ErrWithdrawalNotFound  = newKindError(ErrNotFound, "withdrawal record not found")

	// Store errors
	ErrStoreNotReady        = errors.New("settle: store not ready")
	ErrStoreClosed          = errors.New("settle: store is closed")
	ErrTransactionFailed    = errors.New("settle: transaction failed")
	ErrMigrationFailed      = errors.New("settle: migration failed")
	ErrConservationViolated = errors.New("settle: conservation of value violated")
)

type kindError struct {
	kind error
	msg  string
}

func newKindError(kind error, msg string) error {
	return &kindError{kind: kind, msg: "settle: " + msg}
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// Kind names an error class in metrics, audit records and logs.
type Kind string

const (
	KindNone                Kind = ""
	KindNotFound            Kind = "not_found"
	KindAlreadyExists       Kind = "already_exists"
	KindInvalidInput        Kind = "invalid_input"
	KindInvalidState        Kind = "invalid_state"
	KindExpired             Kind = "expired"
	KindUnauthorized        Kind = "unauthorized"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindIneligibleAsset     Kind = "ineligible_asset"
	KindIneligiblePayee     Kind = "ineligible_payee"
	KindTransferFailed      Kind = "transfer_failed"
	KindStore               Kind = "store"
	KindInternal            Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrAlreadyExists, KindAlreadyExists},
	{ErrInvalidInput, KindInvalidInput},
	{ErrInvalidState, KindInvalidState},
	{ErrExpired, KindExpired},
	{ErrUnauthorized, KindUnauthorized},
	{ErrInsufficientBalance, KindInsufficientBalance},
	{ErrIneligibleAsset, KindIneligibleAsset},
	{ErrIneligiblePayee, KindIneligiblePayee},
	{ErrTransferFailed, KindTransferFailed},
	{ErrStoreNotReady, KindStore},
	{ErrStoreClosed, KindStore},
	{ErrTransactionFailed, KindStore},
	{ErrMigrationFailed, KindStore},
}

// KindOf classifies err. It returns KindNone for nil and KindInternal for
// errors outside the settle taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("settle: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap classifies validation failures as invalid input.
func (e ValidationError) Unwrap() error { return ErrInvalidInput }

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "settle: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("settle: %d errors occurred", len(e.Errors))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error { return e.Errors }

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// First returns the first error or nil.
func (e MultiError) First() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// ErrorOrNil returns nil when no errors were added.
func (e MultiError) ErrorOrNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidState returns true if the target is not in a state that permits
// the operation.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsInsufficientBalance returns true if a balance or pool could not cover
// the operation.
func IsInsufficientBalance(err error) bool { return errors.Is(err, ErrInsufficientBalance) }

// IsUnauthorized returns true if the actor lacked the required capability.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsRetryable returns true if the error is temporary and the operation can be
// retried. Transfer failures are not retryable: the caller must decide.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrTransactionFailed)
}
