package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate"
	"github.com/xraph/grove/migrate"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

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

type querier interface {
	NewSelect(model ...any) *sqlitedriver.SelectQuery
	NewInsert(model any) *sqlitedriver.InsertQuery
	NewUpdate(model any) *sqlitedriver.UpdateQuery
	NewDelete(model any) *sqlitedriver.DeleteQuery
	NewRaw(query string, args ...any) *sqlitedriver.RawQuery
}

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
	q   querier

	tx    *sqlitedriver.SqliteTx
	depth int
}

// New creates a new SQLite store backed by Grove ORM.
func New(db *grove.DB) *Store {
	sdb := sqlitedriver.Unwrap(db)
	return &Store{
		db:  db,
		sdb: sdb,
		q:   sdb,
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	if s.tx != nil {
		return fmt.Errorf("%w: migrate inside a transaction", settle.ErrInvalidState)
	}
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return fmt.Errorf("%w: settle/sqlite: create migration executor: %w", settle.ErrMigrationFailed, err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: settle/sqlite: %w", settle.ErrMigrationFailed, err)
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

// Tx runs fn in a database transaction; nested calls use savepoints.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx settlestore.Store) error) error {
	if s.tx != nil {
		return s.savepoint(ctx, fn)
	}

	stx, err := s.sdb.BeginTxQuery(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", settle.ErrStoreNotReady, err)
	}
	defer stx.Rollback() //nolint:errcheck // no-op after commit

	view := &Store{db: s.db, sdb: s.sdb, q: stx, tx: stx}
	if err := fn(ctx, view); err != nil {
		return err
	}
	if err := stx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", settle.ErrTransactionFailed, err)
	}
	return nil
}

func (s *Store) savepoint(ctx context.Context, fn func(ctx context.Context, tx settlestore.Store) error) error {
	name := fmt.Sprintf("settle_sp_%d", s.depth+1)
	if _, err := s.q.NewRaw("SAVEPOINT " + name).Exec(ctx); err != nil {
		return mapError(err)
	}

	view := &Store{db: s.db, sdb: s.sdb, q: s.q, tx: s.tx, depth: s.depth + 1}
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
		Where("id = ?", invID.String()).
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

	if opts.Payee != "" {
		q = q.Where("payee = ?", opts.Payee)
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if opts.ExpiresBefore != nil {
		q = q.Where("expires_at < ?", opts.ExpiresBefore.UTC())
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
		Set("status = ?", string(invoice.StatusPaid)).
		Set("payer = ?", st.Payer).
		Set("settled_amount = ?", st.Amount.Amount).
		Set("settled_asset = ?", st.Amount.Asset).
		Set("fee = ?", st.Fee).
		Set("fee_bps = ?", int64(st.FeeBps)).
		Set("settled_at = ?", at).
		Set("updated_at = ?", at).
		Where("id = ?", invID.String()).
		Where("status = ?", string(invoice.StatusPending)).
		Exec(ctx)
	return s.transitioned(ctx, invID, res, err, settle.ErrInvoiceNotActive)
}

func (s *Store) MarkInvoiceRefunded(ctx context.Context, invID id.InvoiceID, at time.Time, actor string) error {
	at = at.UTC()
	res, err := s.q.NewUpdate((*invoiceModel)(nil)).
		Set("status = ?", string(invoice.StatusRefunded)).
		Set("refunded_at = ?", at).
		Set("closed_by = ?", actor).
		Set("updated_at = ?", at).
		Where("id = ?", invID.String()).
		Where("status = ?", string(invoice.StatusPaid)).
		Exec(ctx)
	return s.transitioned(ctx, invID, res, err, settle.ErrInvoiceNotPaid)
}

func (s *Store) MarkInvoiceExpired(ctx context.Context, invID id.InvoiceID, at time.Time, actor string) error {
	at = at.UTC()
	res, err := s.q.NewUpdate((*invoiceModel)(nil)).
		Set("status = ?", string(invoice.StatusExpired)).
		Set("expires_at = ?", at).
		Set("closed_by = ?", actor).
		Set("updated_at = ?", at).
		Where("id = ?", invID.String()).
		Where("status = ?", string(invoice.StatusPending)).
		Exec(ctx)
	return s.transitioned(ctx, invID, res, err, settle.ErrInvoiceNotActive)
}

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
		Where("payee = ?", payee).
		Where("asset = ?", asset).
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
		Where("payee = ?", payee).
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

// CreditPayee upserts the balance. SQLite promotes an overflowing integer sum
// to REAL instead of failing, so the update is guarded and a guarded-out
// upsert reports ErrBalanceOverflow.
func (s *Store) CreditPayee(ctx context.Context, payee, asset string, amount int64, at time.Time) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit %d", settle.ErrInvalidInput, amount)
	}
	res, err := s.q.NewRaw(`
INSERT INTO settle_payee_balances (payee, asset, amount, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (payee, asset) DO UPDATE
SET amount = settle_payee_balances.amount + excluded.amount,
    updated_at = excluded.updated_at
WHERE settle_payee_balances.amount <= ? - excluded.amount`,
		payee, asset, amount, at.UTC(), int64(math.MaxInt64)).Exec(ctx)
	if err := upserted(res, err); err != nil {
		return fmt.Errorf("%w: payee %s %s", err, payee, asset)
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
		Set("amount = amount - ?", amount).
		Set("updated_at = ?", at.UTC()).
		Where("payee = ?", payee).
		Where("asset = ?", asset).
		Where("amount >= ?", amount).
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
		Where("asset = ?", asset).
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
	res, err := s.q.NewRaw(`
INSERT INTO settle_fee_pools (asset, amount, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (asset) DO UPDATE
SET amount = settle_fee_pools.amount + excluded.amount,
    updated_at = excluded.updated_at
WHERE settle_fee_pools.amount <= ? - excluded.amount`,
		asset, amount, at.UTC(), int64(math.MaxInt64)).Exec(ctx)
	if err := upserted(res, err); err != nil {
		return fmt.Errorf("%w: fee pool %s", err, asset)
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
		Set("amount = amount - ?", amount).
		Set("updated_at = ?", at.UTC()).
		Where("asset = ?", asset).
		Where("amount >= ?", amount).
		Exec(ctx)
	if err := debited(res, err); err != nil {
		if errors.Is(err, settle.ErrInsufficientBalance) {
			return fmt.Errorf("%w: fee pool cannot cover %d %s", err, amount, asset)
		}
		return err
	}
	return nil
}

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

func upserted(res interface{ RowsAffected() (int64, error) }, err error) error {
	if err != nil {
		return mapError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if rows == 0 {
		return settle.ErrBalanceOverflow
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
		Where("id = ?", recID.String()).
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

	if f.Payee != "" {
		q = q.Where("payee = ?", f.Payee)
	}
	if f.Destination != "" {
		q = q.Where("destination = ?", f.Destination)
	}
	if f.Asset != "" {
		q = q.Where("asset = ?", f.Asset)
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", string(f.Kind))
	}
	if f.Initiator != "" {
		q = q.Where("initiator = ?", f.Initiator)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To.UTC())
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
		Where("address = ?", address).
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
		q = q.Where("active = ?", true)
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
		Where("address = ?", address).
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

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func sqliteCode(err error) int {
	var serr *msqlite.Error
	if errors.As(err, &serr) {
		return serr.Code()
	}
	return 0
}

func isUniqueViolation(err error) bool {
	switch sqliteCode(err) {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return false
}

// mapError classifies driver errors into the settle taxonomy.
func mapError(err error) error {
	switch sqliteCode(err) {
	case 0:
		return err
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("%w: %w", settle.ErrAlreadyExists, err)
	case sqlite3.SQLITE_CONSTRAINT_CHECK:
		return fmt.Errorf("%w: %w", settle.ErrInsufficientBalance, err)
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %w", settle.ErrTransactionFailed, err)
	}
	return err
}
