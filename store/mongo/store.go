package mongo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/settle"
	"github.com/xraph/settle/balance"
	"github.com/xraph/settle/id"
	"github.com/xraph/settle/invoice"
	settlestore "github.com/xraph/settle/store"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/withdrawal"
)

// Collection name constants.
const (
	colInvoices      = "settle_invoices"
	colPayeeBalances = "settle_payee_balances"
	colFeePools      = "settle_fee_pools"
	colWithdrawals   = "settle_withdrawals"
	colDestinations  = "settle_destinations"
)

// compile-time interface check
var _ settlestore.Store = (*Store)(nil)

// querier is implemented by *mongodriver.MongoDB and *mongodriver.MongoTx.
type querier interface {
	NewFind(model ...any) *mongodriver.FindQuery
	NewInsert(model any) *mongodriver.InsertQuery
	NewUpdate(model any) *mongodriver.UpdateQuery
	NewDelete(model any) *mongodriver.DeleteQuery
}

// Store implements store.Store using MongoDB via Grove ORM. Transactions
// need a replica set or sharded cluster.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
	q   querier

	tx *txState
}

// txState is shared by every view of one session transaction. MongoDB has no
// savepoints, so a failed nested Tx poisons the whole transaction.
type txState struct {
	session  *mongodriver.MongoTx
	poisoned error
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	mdb := mongodriver.Unwrap(db)
	return &Store{
		db:  db,
		mdb: mdb,
		q:   mdb,
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all settle collections.
func (s *Store) Migrate(ctx context.Context) error {
	if s.tx != nil {
		return fmt.Errorf("%w: migrate inside a transaction", settle.ErrInvalidState)
	}
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		_, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("%w: settle/mongo: migrate %s indexes: %w", settle.ErrMigrationFailed, col, err)
		}
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

// Tx runs fn inside a session transaction. A nested call shares the outer
// session; if it fails, the outer transaction is aborted when it completes.
func (s *Store) Tx(ctx context.Context, fn func(ctx context.Context, tx settlestore.Store) error) error {
	if s.tx != nil {
		if err := fn(ctx, s); err != nil {
			if s.tx.poisoned == nil {
				s.tx.poisoned = err
			}
			return err
		}
		return nil
	}

	raw, err := s.mdb.GroveTx(ctx, 0, false)
	if err != nil {
		return fmt.Errorf("%w: %w", settle.ErrStoreNotReady, err)
	}
	session, ok := raw.(*mongodriver.MongoTx)
	if !ok {
		return fmt.Errorf("%w: settle/mongo: unexpected transaction type %T", settle.ErrStoreNotReady, raw)
	}

	state := &txState{session: session}
	view := &Store{db: s.db, mdb: s.mdb, q: session, tx: state}
	if err := fn(ctx, view); err != nil {
		_ = session.Rollback()
		return err
	}
	if state.poisoned != nil {
		_ = session.Rollback()
		return fmt.Errorf("%w: nested transaction failed: %w", settle.ErrTransactionFailed, state.poisoned)
	}
	if err := session.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", settle.ErrTransactionFailed, err)
	}
	return nil
}

// ==================== Invoice Store ====================

func (s *Store) CreateInvoice(ctx context.Context, inv *invoice.Invoice) error {
	if inv.ID.IsNil() {
		return fmt.Errorf("%w: invoice id is nil", settle.ErrInvalidInput)
	}
	if _, err := s.q.NewInsert(toInvoiceModel(inv)).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", settle.ErrInvoiceExists, inv.ID)
		}
		return mapError("create invoice", err)
	}
	return nil
}

func (s *Store) GetInvoice(ctx context.Context, invID id.InvoiceID) (*invoice.Invoice, error) {
	var m invoiceModel
	err := s.q.NewFind(&m).
		Filter(bson.M{"_id": invID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: %s", settle.ErrInvoiceNotFound, invID)
		}
		return nil, mapError("get invoice", err)
	}
	return fromInvoiceModel(&m)
}

func (s *Store) ListInvoices(ctx context.Context, opts invoice.ListOpts) ([]*invoice.Invoice, error) {
	var models []invoiceModel

	filter := bson.M{}
	if opts.Payee != "" {
		filter["payee"] = opts.Payee
	}
	if opts.Status != "" {
		filter["status"] = string(opts.Status)
	}
	if opts.ExpiresBefore != nil {
		filter["expires_at"] = bson.M{"$lt": opts.ExpiresBefore.UTC()}
	}

	q := s.q.NewFind(&models).
		Filter(filter).
		Sort(sortBy(opts.Newest))
	if opts.Limit > 0 {
		q = q.Limit(int64(opts.Limit))
	}
	if opts.Offset > 0 {
		q = q.Skip(int64(opts.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, mapError("list invoices", err)
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
		Filter(bson.M{"_id": invID.String(), "status": string(invoice.StatusPending)}).
		Set("status", string(invoice.StatusPaid)).
		Set("payer", st.Payer).
		Set("settled_amount", st.Amount.Amount).
		Set("settled_asset", st.Amount.Asset).
		Set("fee", st.Fee).
		Set("fee_bps", int64(st.FeeBps)).
		Set("settled_at", at).
		Set("updated_at", at).
		Exec(ctx)
	if err != nil {
		return mapError("mark invoice paid", err)
	}
	return s.transitioned(ctx, invID, res.MatchedCount(), settle.ErrInvoiceNotActive)
}

func (s *Store) MarkInvoiceRefunded(ctx context.Context, invID id.InvoiceID, at time.Time, actor string) error {
	at = at.UTC()
	res, err := s.q.NewUpdate((*invoiceModel)(nil)).
		Filter(bson.M{"_id": invID.String(), "status": string(invoice.StatusPaid)}).
		Set("status", string(invoice.StatusRefunded)).
		Set("refunded_at", at).
		Set("closed_by", actor).
		Set("updated_at", at).
		Exec(ctx)
	if err != nil {
		return mapError("mark invoice refunded", err)
	}
	return s.transitioned(ctx, invID, res.MatchedCount(), settle.ErrInvoiceNotPaid)
}

func (s *Store) MarkInvoiceExpired(ctx context.Context, invID id.InvoiceID, at time.Time, actor string) error {
	at = at.UTC()
	res, err := s.q.NewUpdate((*invoiceModel)(nil)).
		Filter(bson.M{"_id": invID.String(), "status": string(invoice.StatusPending)}).
		Set("status", string(invoice.StatusExpired)).
		Set("expires_at", at).
		Set("closed_by", actor).
		Set("updated_at", at).
		Exec(ctx)
	if err != nil {
		return mapError("mark invoice expired", err)
	}
	return s.transitioned(ctx, invID, res.MatchedCount(), settle.ErrInvoiceNotActive)
}

func (s *Store) transitioned(ctx context.Context, invID id.InvoiceID, matched int64, notInState error) error {
	if matched > 0 {
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
	var m payeeBalanceModel
	err := s.q.NewFind(&m).
		Filter(bson.M{"payee": payee, "asset": asset}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return &balance.PayeeBalance{Payee: payee, Asset: asset}, nil
		}
		return nil, mapError("get payee balance", err)
	}
	return fromPayeeBalanceModel(&m), nil
}

func (s *Store) ListPayeeBalances(ctx context.Context, payee string) ([]*balance.PayeeBalance, error) {
	var models []payeeBalanceModel
	err := s.q.NewFind(&models).
		Filter(bson.M{"payee": payee}).
		Sort(bson.D{{Key: "asset", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, mapError("list payee balances", err)
	}
	result := make([]*balance.PayeeBalance, len(models))
	for i := range models {
		result[i] = fromPayeeBalanceModel(&models[i])
	}
	return result, nil
}

// CreditPayee increments the balance with an upsert guarded against int64
// overflow. When the guard excludes an existing document the upsert collides
// with the (payee, asset) unique index, which reports the overflow.
func (s *Store) CreditPayee(ctx context.Context, payee, asset string, amount int64, at time.Time) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit %d", settle.ErrInvalidInput, amount)
	}
	_, err := s.q.NewUpdate((*payeeBalanceModel)(nil)).
		Filter(bson.M{
			"payee":  payee,
			"asset":  asset,
			"amount": bson.M{"$lte": math.MaxInt64 - amount},
		}).
		SetUpdate(bson.M{
			"$inc": bson.M{"amount": amount},
			"$set": bson.M{"updated_at": at.UTC()},
		}).
		Upsert().
		Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: payee %s %s", settle.ErrBalanceOverflow, payee, asset)
		}
		return mapError("credit payee", err)
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
		Filter(bson.M{
			"payee":  payee,
			"asset":  asset,
			"amount": bson.M{"$gte": amount},
		}).
		SetUpdate(bson.M{
			"$inc": bson.M{"amount": -amount},
			"$set": bson.M{"updated_at": at.UTC()},
		}).
		Exec(ctx)
	if err != nil {
		return mapError("debit payee", err)
	}
	if res.MatchedCount() == 0 {
		return fmt.Errorf("%w: payee %s cannot cover %d %s", settle.ErrInsufficientBalance, payee, amount, asset)
	}
	return nil
}

func (s *Store) GetFeePool(ctx context.Context, asset string) (*balance.FeePool, error) {
	var m feePoolModel
	err := s.q.NewFind(&m).
		Filter(bson.M{"asset": asset}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return &balance.FeePool{Asset: asset}, nil
		}
		return nil, mapError("get fee pool", err)
	}
	return fromFeePoolModel(&m), nil
}

func (s *Store) ListFeePools(ctx context.Context) ([]*balance.FeePool, error) {
	var models []feePoolModel
	err := s.q.NewFind(&models).
		Filter(bson.M{}).
		Sort(bson.D{{Key: "asset", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, mapError("list fee pools", err)
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
	_, err := s.q.NewUpdate((*feePoolModel)(nil)).
		Filter(bson.M{
			"asset":  asset,
			"amount": bson.M{"$lte": math.MaxInt64 - amount},
		}).
		SetUpdate(bson.M{
			"$inc": bson.M{"amount": amount},
			"$set": bson.M{"updated_at": at.UTC()},
		}).
		Upsert().
		Exec(ctx)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: fee pool %s", settle.ErrBalanceOverflow, asset)
		}
		return mapError("credit fee pool", err)
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
		Filter(bson.M{
			"asset":  asset,
			"amount": bson.M{"$gte": amount},
		}).
		SetUpdate(bson.M{
			"$inc": bson.M{"amount": -amount},
			"$set": bson.M{"updated_at": at.UTC()},
		}).
		Exec(ctx)
	if err != nil {
		return mapError("debit fee pool", err)
	}
	if res.MatchedCount() == 0 {
		return fmt.Errorf("%w: fee pool cannot cover %d %s", settle.ErrInsufficientBalance, amount, asset)
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
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: withdrawal %s", settle.ErrAlreadyExists, r.ID)
		}
		return mapError("append withdrawal", err)
	}
	return nil
}

func (s *Store) GetWithdrawal(ctx context.Context, recID id.WithdrawalID) (*withdrawal.Record, error) {
	var m withdrawalModel
	err := s.q.NewFind(&m).
		Filter(bson.M{"_id": recID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: %s", settle.ErrWithdrawalNotFound, recID)
		}
		return nil, mapError("get withdrawal", err)
	}
	return fromWithdrawalModel(&m)
}

func (s *Store) ListWithdrawals(ctx context.Context, f withdrawal.Filter) ([]*withdrawal.Record, error) {
	var models []withdrawalModel

	filter := bson.M{}
	if f.Payee != "" {
		filter["payee"] = f.Payee
	}
	if f.Destination != "" {
		filter["destination"] = f.Destination
	}
	if f.Asset != "" {
		filter["asset"] = f.Asset
	}
	if f.Kind != "" {
		filter["kind"] = string(f.Kind)
	}
	if f.Initiator != "" {
		filter["initiator"] = f.Initiator
	}
	window := bson.M{}
	if !f.From.IsZero() {
		window["$gte"] = f.From.UTC()
	}
	if !f.To.IsZero() {
		window["$lt"] = f.To.UTC()
	}
	if len(window) > 0 {
		filter["created_at"] = window
	}

	q := s.q.NewFind(&models).
		Filter(filter).
		Sort(sortBy(f.Newest))
	if f.Limit > 0 {
		q = q.Limit(int64(f.Limit))
	}
	if f.Offset > 0 {
		q = q.Skip(int64(f.Offset))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, mapError("list withdrawals", err)
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
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", settle.ErrDestinationExists, d.Address)
		}
		return mapError("create destination", err)
	}
	return nil
}

func (s *Store) GetDestination(ctx context.Context, address string) (*treasury.Destination, error) {
	var m destinationModel
	err := s.q.NewFind(&m).
		Filter(bson.M{"_id": address}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%w: %s", settle.ErrDestinationNotFound, address)
		}
		return nil, mapError("get destination", err)
	}
	return fromDestinationModel(&m), nil
}

func (s *Store) ListDestinations(ctx context.Context, opts treasury.ListOpts) ([]*treasury.Destination, error) {
	var models []destinationModel

	filter := bson.M{}
	if opts.ActiveOnly {
		filter["active"] = true
	}
	err := s.q.NewFind(&models).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, mapError("list destinations", err)
	}
	result := make([]*treasury.Destination, len(models))
	for i := range models {
		result[i] = fromDestinationModel(&models[i])
	}
	return result, nil
}

func (s *Store) UpdateDestination(ctx context.Context, d *treasury.Destination) error {
	res, err := s.q.NewUpdate(toDestinationModel(d)).
		Filter(bson.M{"_id": d.Address}).
		Exec(ctx)
	if err != nil {
		return mapError("update destination", err)
	}
	if res.MatchedCount() == 0 {
		return fmt.Errorf("%w: %s", settle.ErrDestinationNotFound, d.Address)
	}
	return nil
}

func (s *Store) DeleteDestination(ctx context.Context, address string) error {
	res, err := s.q.NewDelete((*destinationModel)(nil)).
		Filter(bson.M{"_id": address}).
		Exec(ctx)
	if err != nil {
		return mapError("delete destination", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return mapError("delete destination", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", settle.ErrDestinationNotFound, address)
	}
	return nil
}

// ==================== Helpers ====================

func sortBy(newest bool) bson.D {
	dir := 1
	if newest {
		dir = -1
	}
	return bson.D{{Key: "created_at", Value: dir}, {Key: "_id", Value: dir}}
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// mapError wraps a driver error with the failed operation, classifying
// transient transaction errors as retryable.
func mapError(op string, err error) error {
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorLabel("TransientTransactionError") {
		return fmt.Errorf("%w: settle/mongo: %s: %w", settle.ErrTransactionFailed, op, err)
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: settle/mongo: %s: %w", settle.ErrAlreadyExists, op, err)
	}
	return fmt.Errorf("settle/mongo: %s: %w", op, err)
}

// migrationIndexes returns the index definitions for all settle collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colInvoices: {
			{Keys: bson.D{{Key: "payee", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
			{Keys: bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}},
		},
		colPayeeBalances: {
			{
				Keys:    bson.D{{Key: "payee", Value: 1}, {Key: "asset", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colFeePools: {
			{
				Keys:    bson.D{{Key: "asset", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colWithdrawals: {
			{Keys: bson.D{{Key: "payee", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "destination", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "asset", Value: 1}, {Key: "kind", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "batch_id", Value: 1}}},
		},
		colDestinations: {
			{Keys: bson.D{{Key: "active", Value: 1}}},
		},
	}
}
