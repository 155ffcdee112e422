// Package audithook bridges Settle lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not import
// Chronicle directly. Callers inject a RecorderFunc adapter that bridges
// to Chronicle at wiring time.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/settle"
	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/plugin"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/withdrawal"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin               = (*Extension)(nil)
	_ plugin.OnInvoiceCreated     = (*Extension)(nil)
	_ plugin.OnInvoicePaid        = (*Extension)(nil)
	_ plugin.OnInvoiceRefunded    = (*Extension)(nil)
	_ plugin.OnInvoiceExpired     = (*Extension)(nil)
	_ plugin.OnPayeeWithdrawal    = (*Extension)(nil)
	_ plugin.OnFeesCollected      = (*Extension)(nil)
	_ plugin.OnDestinationChanged = (*Extension)(nil)
	_ plugin.OnOperationFailed    = (*Extension)(nil)
	_ plugin.OnTransferReversed   = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
// This matches chronicle.Emitter but is defined locally so that the
// audit_hook package does not import Chronicle directly.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
// It mirrors chronicle/audit.Event but avoids a module dependency.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges Settle lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Invoice lifecycle hooks
// ──────────────────────────────────────────────────

// OnInvoiceCreated implements plugin.OnInvoiceCreated.
func (e *Extension) OnInvoiceCreated(ctx context.Context, inv *invoice.Invoice) error {
	return e.record(ctx, ActionInvoiceCreated, SeverityInfo, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategorySettlement, inv.Payee, nil,
		"payee", inv.Payee,
		"options", len(inv.Options),
		"expires_at", inv.ExpiresAt,
	)
}

// OnInvoicePaid implements plugin.OnInvoicePaid.
func (e *Extension) OnInvoicePaid(ctx context.Context, inv *invoice.Invoice) error {
	return e.record(ctx, ActionInvoicePaid, SeverityInfo, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategorySettlement, inv.Payer, nil,
		"payee", inv.Payee,
		"asset", inv.Settled.Asset,
		"amount", inv.Settled.Amount,
		"fee", inv.Fee,
		"fee_bps", int64(inv.FeeBps),
	)
}

// OnInvoiceRefunded implements plugin.OnInvoiceRefunded.
func (e *Extension) OnInvoiceRefunded(ctx context.Context, inv *invoice.Invoice, actor string) error {
	return e.record(ctx, ActionInvoiceRefunded, SeverityWarning, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategorySettlement, actor, nil,
		"payee", inv.Payee,
		"payer", inv.Payer,
		"asset", inv.Settled.Asset,
		"amount", inv.Settled.Amount,
	)
}

// OnInvoiceExpired implements plugin.OnInvoiceExpired.
func (e *Extension) OnInvoiceExpired(ctx context.Context, inv *invoice.Invoice, actor string) error {
	return e.record(ctx, ActionInvoiceExpired, SeverityInfo, OutcomeSuccess,
		ResourceInvoice, inv.ID.String(), CategorySettlement, actor, nil,
		"payee", inv.Payee,
	)
}

// ──────────────────────────────────────────────────
// Payout hooks
// ──────────────────────────────────────────────────

// OnPayeeWithdrawal implements plugin.OnPayeeWithdrawal.
func (e *Extension) OnPayeeWithdrawal(ctx context.Context, rec *withdrawal.Record) error {
	return e.record(ctx, ActionPayeeWithdrawal, SeverityInfo, OutcomeSuccess,
		ResourceWithdrawal, rec.ID.String(), CategoryPayout, rec.Initiator, nil,
		withdrawalMeta(rec)...,
	)
}

// OnFeesCollected implements plugin.OnFeesCollected.
func (e *Extension) OnFeesCollected(ctx context.Context, rec *withdrawal.Record) error {
	return e.record(ctx, ActionFeesCollected, SeverityInfo, OutcomeSuccess,
		ResourceWithdrawal, rec.ID.String(), CategoryTreasury, rec.Initiator, nil,
		withdrawalMeta(rec)...,
	)
}

func withdrawalMeta(rec *withdrawal.Record) []any {
	kv := []any{
		"kind", string(rec.Kind),
		"asset", rec.Asset,
		"amount", rec.Amount,
		"destination", rec.Destination,
	}
	if rec.Payee != "" {
		kv = append(kv, "payee", rec.Payee)
	}
	if !rec.Invoice.IsNil() {
		kv = append(kv, "invoice_id", rec.Invoice.String())
	}
	if !rec.Batch.IsNil() {
		kv = append(kv, "batch_id", rec.Batch.String())
	}
	return kv
}

// ──────────────────────────────────────────────────
// Treasury hooks
// ──────────────────────────────────────────────────

var destinationActions = map[treasury.Change]string{
	treasury.ChangeRegistered:   ActionDestinationRegistered,
	treasury.ChangeDeregistered: ActionDestinationDeregistered,
	treasury.ChangeActivated:    ActionDestinationActivated,
	treasury.ChangeDeactivated:  ActionDestinationDeactivated,
	treasury.ChangeRelabeled:    ActionDestinationRelabeled,
}

// OnDestinationChanged implements plugin.OnDestinationChanged.
func (e *Extension) OnDestinationChanged(ctx context.Context, dest *treasury.Destination, change treasury.Change) error {
	action, ok := destinationActions[change]
	if !ok {
		action = "destination." + string(change)
	}
	return e.record(ctx, action, SeverityWarning, OutcomeSuccess,
		ResourceDestination, dest.Address, CategoryTreasury, "", nil,
		"label", dest.Label,
		"active", dest.Active,
	)
}

// ──────────────────────────────────────────────────
// Integrity hooks
// ──────────────────────────────────────────────────

// OnOperationFailed implements plugin.OnOperationFailed. Only failures
// outside the caller-error kinds are recorded.
func (e *Extension) OnOperationFailed(ctx context.Context, op string, opErr error) error {
	kind := settle.KindOf(opErr)
	switch kind {
	case settle.KindTransferFailed, settle.KindStore, settle.KindInternal:
	default:
		return nil
	}
	return e.record(ctx, ActionOperationFailed, SeverityError, OutcomeFailure,
		ResourceOperation, op, CategoryIntegrity, "", opErr,
		"kind", string(kind),
	)
}

// OnTransferReversed implements plugin.OnTransferReversed. A non-nil
// reverseErr means value may be stranded and is recorded as critical.
func (e *Extension) OnTransferReversed(ctx context.Context, op string, reverseErr error) error {
	severity, outcome := SeverityWarning, OutcomeSuccess
	if reverseErr != nil {
		severity, outcome = SeverityCritical, OutcomeFailure
	}
	return e.record(ctx, ActionTransferReversed, severity, outcome,
		ResourceOperation, op, CategoryIntegrity, "", reverseErr,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category, actor string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Actor:      actor,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
