package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate"
	"github.com/xraph/grove/migrate"

	"github.com/xraph/settle"
	"github.com/xraph/settle/balance"
	"github.com/xraph/settle/id"
	"github.com/xraph/settle/invoice"
	settlestore "github.com/xraph/settle/store"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/withdrawal"
)

// compile-time interface check
var _ settlestore.Store = (*Store)(nil)

// querier is the query-builder surface shared by *pgdriver.PgDB and
// *pgdriver.PgTx.
type querier interface {
	NewSelect(model ...any) *pgdriver.SelectQuery
	NewInsert(model any) *pgdriver.InsertQuery
	NewUpdate(model any) *pgdriver.UpdateQuery
	NewDelete(model any) *pgdriver.DeleteQuery
	NewRaw(query string, args ...any) *pgdriver.RawQuery
}

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
	q  querier

	tx    *pgdriver.PgTx
	depth int
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	pg := pgdriver.Unwrap(db)
	return &Store{
		db: db,
		pg: pg,
		q:  pg,
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	if s.tx != nil {
		return fmt.Errorf("%w: migrate inside a transaction", settle.ErrInvalidState)
	}
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("%w: settle/postgres: create migration executor: %w", settle.ErrMigrationFailed, err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: settle/postgres: %w", settle.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", settle.ErrStoreNotReady, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.tx != nil {
		return fmt.Errorf("%w: close inside a transaction", settle.ErrInvalidState)
	}
	return s.db.Close()
}

// Tx runs fn in a database transaction. A nested call opens a savepoint on
// the outer transaction so a failing inner fn only discards its own writes.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx settlestore.Store) error) error {
	if s.tx != nil {
		return s.savepoint(ctx, fn)
	}

	pgtx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", settle.ErrStoreNotReady, err)
	}
	defer pgtx.Rollback() //nolint:errcheck // no-op after commit

	view := &Store{db: s.db, pg: s.pg, q: pgtx, tx: pgtx}
	if err := fn(ctx, view); err != nil {
		return err
	}
	if err := pgtx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", settle.ErrTransactionFailed, err)
	}
	return nil
}

func (s *Store) savepoint(ctx context.Context, fn func(ctx context.Context, tx settlestore.Store) error) error {
	name := fmt.Sprintf("settle_sp_%d", s.depth+1)
	if _, err := s.q.NewRaw("SAVEPOINT " + name).Exec(ctx); err != nil {
		return mapError(err)
	}

	view := &Store{db: s.db, pg: s.pg, q: s.q, tx: s.tx, depth: s.depth + 1}
	if err := fn(ctx, view); err != nil {
		if _, rerr := s.q.NewRaw("ROLLBACK TO SAVEPOINT " + name).Exec(ctx); rerr != nil {
			return errors.Join(err, mapError(rerr))
		}
		return err
	}
	if _, err := s.q.NewRaw("RELEASE SAVEPOINT " + name).Exec(ctx); err != nil {
		return mapError(err)
	}
	return nil
}

// ==================== Invoice Store ====================

func (s *Store) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	if inv.ID.IsNil() {
		return fmt.Errorf("%w: invoice id is nil", settle.ErrInvalidInput)
	}
	m, err := toInvoiceModel(inv)
	if err != nil {
		return err
	}
	if _, err := s.q.NewInsert(m).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", settle.ErrInvoiceExists, inv.ID)
		}
		return mapError(err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	m := new(invoiceModel)
	err := s.q.NewSelect(m).
		Where("id = $1", invID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", settle.ErrInvoiceNotFound, invID)
		}
		return nil, mapError(err)
	}
	return fromInvoiceModel(m)
}

func (s *Store) ListInvoices(ctx context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	var models []invoiceModel
	q := s.q.NewSelect(&models)

	argIdx := 0
	if opts.Payee != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("payee = $%d", argIdx), opts.Payee)
	}
	if opts.Status != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("status = $%d", argIdx), string(opts.Status))
	}
	if opts.ExpiresBefore != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("expires_at < $%d", argIdx), opts.ExpiresBefore.UTC())
	}
	q = q.OrderExpr(orderBy(opts.Newest))
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, mapError(err)
	}

	result := make([]*invoice.Invoice, len(models))
	for i := range models {
		inv, err := fromInvoiceModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = inv
	}
	return result, nil
}

func (s *Store) MarkInvoicePaid(ctx context.Context, invID id.InvoiceID, st invoice.Settlement) error {
	at := st.At.UTC()
	res, err := s.q.NewUpdate((*invoiceModel)(nil)).
		Set("status = $1", string(invoice.StatusPaid)).
		Set("payer = $2", st.Payer).
		Set("settled_amount = $3", st.Amount.Amount).
		Set("settled_asset = $4", st.Amount.Asset).
		Set("fee = $5", st.Fee).
		Set("fee_bps = $6", int64(st.FeeBps)).
		Set("settled_at = $7", at).
		Set("updated_at = $8", at).
		Where("id = $9", invID.String()).
		Where("status = $10", string(invoice.StatusPending)).
		Exec(ctx)
	return s.transitioned(ctx, invID, res, err, settle.ErrInvoiceNotActive)
}

func (s *Store) MarkInvoiceRefunded(ctx context.Context, invID id.InvoiceID, at time.Time, actor string) error {
	at = at.UTC()
	res, err := s.q.NewUpdate((*invoiceModel)(nil)).
		Set("status = $1", string(invoice.StatusRefunded)).
		Set("refunded_at = $2", at).
		Set("closed_by = $3", actor).
		Set("updated_at = $4", at).
		Where("id = $5", invID.String()).
		Where("status = $6", string(invoice.StatusPaid)).
		Exec(ctx)
	return s.transitioned(ctx, invID, res, err, settle.ErrInvoiceNotPaid)
}

func (s *Store) MarkInvoiceExpired(ctx context.Context, invID id.InvoiceID, at time.Time, actor string) error {
	at = at.UTC()
	res, err := s.q.NewUpdate((*invoiceModel)(nil)).
		Set("status = $1", string(invoice.StatusExpired)).
		Set("expires_at = $2", at).
		Set("closed_by = $3", actor).
		Set("updated_at = $4", at).
		Where("id = $5", invID.String()).
		Where("status = $6", string(invoice.StatusPending)).
		Exec(ctx)
	return s.transitioned(ctx, invID, res, err, settle.ErrInvoiceNotActive)
}

// transitioned resolves a conditional status update. When no row changed it
// re-reads the invoice to tell a missing invoice from one in the wrong state.
func (s *Store) transitioned(ctx context.Context, invID id.InvoiceID, res interface{ RowsAffected() (int64, error) }, err error, notInState error) error {
	if err != nil {
		return mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if rows > 0 {
		return nil
	}
	inv, err := s.GetInvoice(ctx, invID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s", notInState, invID, inv.Status)
}

// ==================== Balance Store ====================

func (s *Store) GetPayeeBalance(ctx context.Context, payee, asset string) (*balance.PayeeBalance, error) {
	m := new(payeeBalanceModel)
	err := s.q.NewSelect(m).
		Where("payee = $1", payee).
		Where("asset = $2", asset).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return &balance.PayeeBalance{Payee: payee, Asset: asset}, nil
		}
		return nil, mapError(err)
	}
	return fromPayeeBalanceModel(m), nil
}

func (s *Store) ListPayeeBalances(ctx context.Context, payee string) ([]*balance.PayeeBalance, error) {
	var models []payeeBalanceModel
	err := s.q.NewSelect(&models).
		Where("payee = $1", payee).
		OrderExpr("asset ASC").
		Scan(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	result := make([]*balance.PayeeBalance, len(models))
	for i := range models {
		result[i] = fromPayeeBalanceModel(&models[i])
	}
	return result, nil
}

func (s *Store) CreditPayee(ctx context.Context, payee, asset string, amount int64, at time.Time) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit %d", settle.ErrInvalidInput, amount)
	}
	_, err := s.q.NewRaw(`
INSERT INTO settle_payee_balances (payee, asset, amount, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (payee, asset) DO UPDATE
SET amount = settle_payee_balances.amount + EXCLUDED.amount,
    updated_at = EXCLUDED.updated_at`,
		payee, asset, amount, at.UTC()).Exec(ctx)
	if err != nil {
		if isOverflow(err) {
			return fmt.Errorf("%w: payee %s %s", settle.ErrBalanceOverflow, payee, asset)
		}
		return mapError(err)
	}
	return nil
}

func (s *Store) DebitPayee(ctx context.Context, payee, asset string, amount int64, at time.Time) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative debit %d", settle.ErrInvalidInput, amount)
	}
	if amount == 0 {
		return nil
	}
	res, err := s.q.NewUpdate((*payeeBalanceModel)(nil)).
		Set("amount = amount - $1", amount).
		Set("updated_at = $2", at.UTC()).
		Where("payee = $3", payee).
		Where("asset = $4", asset).
		Where("amount >= $5", amount).
		Exec(ctx)
	if err := debited(res, err); err != nil {
		if errors.Is(err, settle.ErrInsufficientBalance) {
			return fmt.Errorf("%w: payee %s cannot cover %d %s", err, payee, amount, asset)
		}
		return err
	}
	return nil
}

func (s *Store) GetFeePool(ctx context.Context, asset string) (*balance.FeePool, error) {
	m := new(feePoolModel)
	err := s.q.NewSelect(m).
		Where("asset = $1", asset).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return &balance.FeePool{Asset: asset}, nil
		}
		return nil, mapError(err)
	}
	return fromFeePoolModel(m), nil
}

func (s *Store) ListFeePools(ctx context.Context) ([]*balance.FeePool, error) {
	var models []feePoolModel
	if err := s.q.NewSelect(&models).OrderExpr("asset ASC").Scan(ctx); err != nil {
		return nil, mapError(err)
	}
	result := make([]*balance.FeePool, len(models))
	for i := range models {
		result[i] = fromFeePoolModel(&models[i])
	}
	return result, nil
}

func (s *Store) CreditFeePool(ctx context.Context, asset string, amount int64, at time.Time) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit %d", settle.ErrInvalidInput, amount)
	}
	_, err := s.q.NewRaw(`
INSERT INTO settle_fee_pools (asset, amount, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (asset) DO UPDATE
SET amount = settle_fee_pools.amount + EXCLUDED.amount,
    updated_at = EXCLUDED.updated_at`,
		asset, amount, at.UTC()).Exec(ctx)
	if err != nil {
		if isOverflow(err) {
			return fmt.Errorf("%w: fee pool %s", settle.ErrBalanceOverflow, asset)
		}
		return mapError(err)
	}
	return nil
}

func (s *Store) DebitFeePool(ctx context.Context, asset string, amount int64, at time.Time) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative debit %d", settle.ErrInvalidInput, amount)
	}
	if amount == 0 {
		return nil
	}
	res, err := s.q.NewUpdate((*feePoolModel)(nil)).
		Set("amount = amount - $1", amount).
		Set("updated_at = $2", at.UTC()).
		Where("asset = $3", asset).
		Where("amount >= $4", amount).
		Exec(ctx)
	if err := debited(res, err); err != nil {
		if errors.Is(err, settle.ErrInsufficientBalance) {
			return fmt.Errorf("%w: fee pool cannot cover %d %s", err, amount, asset)
		}
		return err
	}
	return nil
}

// debited turns a conditional debit result into ErrInsufficientBalance when
// the guard matched no row.
func debited(res interface{ RowsAffected() (int64, error) }, err error) error {
	if err != nil {
		return mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if rows == 0 {
		return settle.ErrInsufficientBalance
	}
	return nil
}

// ==================== Withdrawal Store ====================

func (s *Store) AppendWithdrawal(ctx context.Context, r *withdrawal.Record) error {
	if r.ID.IsNil() {
		return fmt.Errorf("%w: withdrawal id is nil", settle.ErrInvalidInput)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: withdrawal kind %q", settle.ErrInvalidInput, r.Kind)
	}
	if _, err := s.q.NewInsert(toWithdrawalModel(r)).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: withdrawal %s", settle.ErrAlreadyExists, r.ID)
		}
		return mapError(err)
	}
	return nil
}

func (s *Store) GetWithdrawal(ctx context.Context, recID id.WithdrawalID) (*withdrawal.Record, error) {
	m := new(withdrawalModel)
	err := s.q.NewSelect(m).
		Where("id = $1", recID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", settle.ErrWithdrawalNotFound, recID)
		}
		return nil, mapError(err)
	}
	return fromWithdrawalModel(m)
}

func (s *Store) ListWithdrawals(ctx context.Context, f withdrawal.Filter) ([]*withdrawal.Record, error) {
	var models []withdrawalModel
	q := s.q.NewSelect(&models)

	argIdx := 0
	where := func(col, op string, val any) {
		argIdx++
		q = q.Where(fmt.Sprintf("%s %s $%d", col, op, argIdx), val)
	}
	if f.Payee != "" {
		where("payee", "=", f.Payee)
	}
	if f.Destination != "" {
		where("destination", "=", f.Destination)
	}
	if f.Asset != "" {
		where("asset", "=", f.Asset)
	}
	if f.Kind != "" {
		where("kind", "=", string(f.Kind))
	}
	if f.Initiator != "" {
		where("initiator", "=", f.Initiator)
	}
	if !f.From.IsZero() {
		where("created_at", ">=", f.From.UTC())
	}
	if !f.To.IsZero() {
		where("created_at", "<", f.To.UTC())
	}
	q = q.OrderExpr(orderBy(f.Newest))
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, mapError(err)
	}

	result := make([]*withdrawal.Record, len(models))
	for i := range models {
		r, err := fromWithdrawalModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = r
	}
	return result, nil
}

// ==================== Destination Store ====================

func (s *Store) CreateDestination(ctx context.Context, d *treasury.Destination) error {
	if _, err := s.q.NewInsert(toDestinationModel(d)).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", settle.ErrDestinationExists, d.Address)
		}
		return mapError(err)
	}
	return nil
}

func (s *Store) GetDestination(ctx context.Context, address string) (*treasury.Destination, error) {
	m := new(destinationModel)
	err := s.q.NewSelect(m).
		Where("address = $1", address).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", settle.ErrDestinationNotFound, address)
		}
		return nil, mapError(err)
	}
	return fromDestinationModel(m), nil
}

func (s *Store) ListDestinations(ctx context.Context, opts treasury.ListOpts) ([]*treasury.Destination, error) {
	var models []destinationModel
	q := s.q.NewSelect(&models)
	if opts.ActiveOnly {
		q = q.Where("active = $1", true)
	}
	if err := q.OrderExpr("address ASC").Scan(ctx); err != nil {
		return nil, mapError(err)
	}
	result := make([]*treasury.Destination, len(models))
	for i := range models {
		result[i] = fromDestinationModel(&models[i])
	}
	return result, nil
}

func (s *Store) UpdateDestination(ctx context.Context, d *treasury.Destination) error {
	res, err := s.q.NewUpdate(toDestinationModel(d)).WherePK().Exec(ctx)
	if err != nil {
		return mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", settle.ErrDestinationNotFound, d.Address)
	}
	return nil
}

func (s *Store) DeleteDestination(ctx context.Context, address string) error {
	res, err := s.q.NewDelete((*destinationModel)(nil)).
		Where("address = $1", address).
		Exec(ctx)
	if err != nil {
		return mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", settle.ErrDestinationNotFound, address)
	}
	return nil
}

// ==================== Helpers ====================

func orderBy(newest bool) string {
	if newest {
		return "created_at DESC, id DESC"
	}
	return "created_at ASC, id ASC"
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool { return pgCode(err) == "23505" }

func isOverflow(err error) bool { return pgCode(err) == "22003" }

// mapError classifies driver errors into the settle taxonomy. Errors it does
// not recognize are returned unchanged.
func mapError(err error) error {
	switch pgCode(err) {
	case "":
		return err
	case "23505":
		return fmt.Errorf("%w: %w", settle.ErrAlreadyExists, err)
	case "23514":
		return fmt.Errorf("%w: %w", settle.ErrInsufficientBalance, err)
	case "22003":
		return fmt.Errorf("%w: %w", settle.ErrBalanceOverflow, err)
	case "40001", "40P01":
		return fmt.Errorf("%w: %w", settle.ErrTransactionFailed, err)
	}
	return err
}
