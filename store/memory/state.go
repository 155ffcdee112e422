package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/xraph/settle"
	"github.com/xraph/settle/balance"
	"github.com/xraph/settle/id"
	"github.com/xraph/settle/invoice"
	"github.com/xraph/settle/treasury"
	"github.com/xraph/settle/types"
	"github.com/xraph/settle/withdrawal"
)

type balanceKey struct {
	payee string
	asset string
}

// state holds every record. Invoices and withdrawal records live in
// append-only arenas; the maps index positions in those arenas. Writes made
// while undo is non-nil push an inverse operation so a transaction can be
// rolled back.
type state struct {
	invoices       []*invoice.Invoice
	invoiceByID    map[id.ID]int
	invoiceByPayee map[string][]int

	payeeBalances map[balanceKey]*balance.PayeeBalance
	payeeAssets   map[string][]string
	feePools      map[string]*balance.FeePool

	withdrawals       []*withdrawal.Record
	withdrawalByID    map[id.ID]int
	withdrawalByPayee map[string][]int
	withdrawalByDest  map[string][]int
	withdrawalByAsset map[string][]int
	withdrawalByKind  map[withdrawal.Kind][]int

	destinations map[string]*treasury.Destination

	undo []func()
}

func newState() *state {
	return &state{
		invoiceByID:       make(map[id.ID]int),
		invoiceByPayee:    make(map[string][]int),
		payeeBalances:     make(map[balanceKey]*balance.PayeeBalance),
		payeeAssets:       make(map[string][]string),
		feePools:          make(map[string]*balance.FeePool),
		withdrawalByID:    make(map[id.ID]int),
		withdrawalByPayee: make(map[string][]int),
		withdrawalByDest:  make(map[string][]int),
		withdrawalByAsset: make(map[string][]int),
		withdrawalByKind:  make(map[withdrawal.Kind][]int),
		destinations:      make(map[string]*treasury.Destination),
	}
}

func (st *state) record(fn func()) {
	if st.undo != nil {
		st.undo = append(st.undo, fn)
	}
}

// rollback undoes every write after the journal position mark.
func (st *state) rollback(mark int) {
	for i := len(st.undo) - 1; i >= mark; i-- {
		st.undo[i]()
	}
	st.undo = st.undo[:mark]
}

// ==================== Invoices ====================

func (st *state) createInvoice(inv *invoice.Invoice) error {
	if inv.ID.IsNil() {
		return fmt.Errorf("%w: invoice id is nil", settle.ErrInvalidInput)
	}
	if _, exists := st.invoiceByID[inv.ID]; exists {
		return fmt.Errorf("%w: %s", settle.ErrInvoiceExists, inv.ID)
	}
	pos := len(st.invoices)
	st.invoices = append(st.invoices, inv.Clone())
	st.invoiceByID[inv.ID] = pos
	st.invoiceByPayee[inv.Payee] = append(st.invoiceByPayee[inv.Payee], pos)

	invID, payee := inv.ID, inv.Payee
	st.record(func() {
		st.invoices = st.invoices[:pos]
		delete(st.invoiceByID, invID)
		popIndex(st.invoiceByPayee, payee)
	})
	return nil
}

func (st *state) getInvoice(invID id.InvoiceID) (*invoice.Invoice, error) {
	pos, ok := st.invoiceByID[invID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", settle.ErrInvoiceNotFound, invID)
	}
	return st.invoices[pos].Clone(), nil
}

func (st *state) listInvoices(opts invoice.ListOpts) []*invoice.Invoice {
	var positions []int
	if opts.Payee != "" {
		positions = st.invoiceByPayee[opts.Payee]
	} else {
		positions = allPositions(len(st.invoices))
	}

	result := make([]*invoice.Invoice, 0, len(positions))
	for _, pos := range positions {
		inv := st.invoices[pos]
		if opts.Status != "" && inv.Status != opts.Status {
			continue
		}
		if opts.ExpiresBefore != nil && !inv.ExpiresAt.Before(*opts.ExpiresBefore) {
			continue
		}
		result = append(result, inv)
	}
	byCreation(result, opts.Newest, func(inv *invoice.Invoice) (time.Time, string) {
		return inv.CreatedAt, inv.ID.String()
	})

	result = page(result, opts.Limit, opts.Offset)
	for i, inv := range result {
		result[i] = inv.Clone()
	}
	return result
}

// transitionInvoice replaces the invoice with a copy modified by apply when
// its status is from.
func (st *state) transitionInvoice(invID id.InvoiceID, from invoice.Status, notInState error, apply func(*invoice.Invoice)) error {
	pos, ok := st.invoiceByID[invID]
	if !ok {
		return fmt.Errorf("%w: %s", settle.ErrInvoiceNotFound, invID)
	}
	old := st.invoices[pos]
	if old.Status != from {
		return fmt.Errorf("%w: %s is %s", notInState, invID, old.Status)
	}
	next := old.Clone()
	apply(next)
	st.invoices[pos] = next
	st.record(func() { st.invoices[pos] = old })
	return nil
}

func (st *state) markInvoicePaid(invID id.InvoiceID, s invoice.Settlement) error {
	return st.transitionInvoice(invID, invoice.StatusPending, settle.ErrInvoiceNotActive, s.Apply)
}

func (st *state) markInvoiceRefunded(invID id.InvoiceID, at time.Time, actor string) error {
	return st.transitionInvoice(invID, invoice.StatusPaid, settle.ErrInvoiceNotPaid, func(inv *invoice.Invoice) {
		inv.Status = invoice.StatusRefunded
		inv.RefundedAt = &at
		inv.ClosedBy = actor
		inv.Touch(at)
	})
}

func (st *state) markInvoiceExpired(invID id.InvoiceID, at time.Time, actor string) error {
	return st.transitionInvoice(invID, invoice.StatusPending, settle.ErrInvoiceNotActive, func(inv *invoice.Invoice) {
		inv.Status = invoice.StatusExpired
		inv.ExpiresAt = at
		inv.ClosedBy = actor
		inv.Touch(at)
	})
}

// ==================== Balances ====================

func (st *state) getPayeeBalance(payee, asset string) *balance.PayeeBalance {
	if b, ok := st.payeeBalances[balanceKey{payee, asset}]; ok {
		c := *b
		return &c
	}
	return &balance.PayeeBalance{Payee: payee, Asset: asset}
}

func (st *state) listPayeeBalances(payee string) []*balance.PayeeBalance {
	assets := append([]string(nil), st.payeeAssets[payee]...)
	sort.Strings(assets)
	result := make([]*balance.PayeeBalance, 0, len(assets))
	for _, asset := range assets {
		result = append(result, st.getPayeeBalance(payee, asset))
	}
	return result
}

func (st *state) creditPayee(payee, asset string, amount int64, at time.Time) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit %d", settle.ErrInvalidInput, amount)
	}
	key := balanceKey{payee, asset}
	b, exists := st.payeeBalances[key]
	if !exists {
		b = &balance.PayeeBalance{Payee: payee, Asset: asset}
	}
	sum, ok := types.AddInt64(b.Amount, amount)
	if !ok {
		return fmt.Errorf("%w: payee %s %s", settle.ErrBalanceOverflow, payee, asset)
	}

	if !exists {
		st.payeeBalances[key] = b
		st.payeeAssets[payee] = append(st.payeeAssets[payee], asset)
		st.record(func() {
			delete(st.payeeBalances, key)
			assets := st.payeeAssets[payee]
			if len(assets) == 1 {
				delete(st.payeeAssets, payee)
			} else {
				st.payeeAssets[payee] = assets[:len(assets)-1]
			}
		})
	} else {
		prevAmount, prevAt := b.Amount, b.UpdatedAt
		st.record(func() { b.Amount, b.UpdatedAt = prevAmount, prevAt })
	}
	b.Amount = sum
	b.UpdatedAt = at.UTC()
	return nil
}

func (st *state) debitPayee(payee, asset string, amount int64, at time.Time) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative debit %d", settle.ErrInvalidInput, amount)
	}
	if amount == 0 {
		return nil
	}
	b, ok := st.payeeBalances[balanceKey{payee, asset}]
	if !ok || b.Amount < amount {
		var have int64
		if ok {
			have = b.Amount
		}
		return fmt.Errorf("%w: payee %s holds %d %s, needs %d", settle.ErrInsufficientBalance, payee, have, asset, amount)
	}
	prevAmount, prevAt := b.Amount, b.UpdatedAt
	st.record(func() { b.Amount, b.UpdatedAt = prevAmount, prevAt })
	b.Amount -= amount
	b.UpdatedAt = at.UTC()
	return nil
}

func (st *state) getFeePool(asset string) *balance.FeePool {
	if p, ok := st.feePools[asset]; ok {
		c := *p
		return &c
	}
	return &balance.FeePool{Asset: asset}
}

func (st *state) listFeePools() []*balance.FeePool {
	result := make([]*balance.FeePool, 0, len(st.feePools))
	for _, p := range st.feePools {
		c := *p
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Asset < result[j].Asset })
	return result
}

func (st *state) creditFeePool(asset string, amount int64, at time.Time) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative credit %d", settle.ErrInvalidInput, amount)
	}
	p, exists := st.feePools[asset]
	if !exists {
		p = &balance.FeePool{Asset: asset}
	}
	sum, ok := types.AddInt64(p.Amount, amount)
	if !ok {
		return fmt.Errorf("%w: fee pool %s", settle.ErrBalanceOverflow, asset)
	}

	if !exists {
		st.feePools[asset] = p
		st.record(func() { delete(st.feePools, asset) })
	} else {
		prevAmount, prevAt := p.Amount, p.UpdatedAt
		st.record(func() { p.Amount, p.UpdatedAt = prevAmount, prevAt })
	}
	p.Amount = sum
	p.UpdatedAt = at.UTC()
	return nil
}

func (st *state) debitFeePool(asset string, amount int64, at time.Time) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative debit %d", settle.ErrInvalidInput, amount)
	}
	if amount == 0 {
		return nil
	}
	p, ok := st.feePools[asset]
	if !ok || p.Amount < amount {
		var have int64
		if ok {
			have = p.Amount
		}
		return fmt.Errorf("%w: fee pool holds %d %s, needs %d", settle.ErrInsufficientBalance, have, asset, amount)
	}
	prevAmount, prevAt := p.Amount, p.UpdatedAt
	st.record(func() { p.Amount, p.UpdatedAt = prevAmount, prevAt })
	p.Amount -= amount
	p.UpdatedAt = at.UTC()
	return nil
}

// ==================== Withdrawals ====================

func (st *state) appendWithdrawal(r *withdrawal.Record) error {
	if r.ID.IsNil() {
		return fmt.Errorf("%w: withdrawal id is nil", settle.ErrInvalidInput)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: withdrawal kind %q", settle.ErrInvalidInput, r.Kind)
	}
	if _, exists := st.withdrawalByID[r.ID]; exists {
		return fmt.Errorf("%w: withdrawal %s", settle.ErrAlreadyExists, r.ID)
	}

	c := *r
	pos := len(st.withdrawals)
	st.withdrawals = append(st.withdrawals, &c)
	st.withdrawalByID[r.ID] = pos
	if r.Payee != "" {
		st.withdrawalByPayee[r.Payee] = append(st.withdrawalByPayee[r.Payee], pos)
	}
	st.withdrawalByDest[r.Destination] = append(st.withdrawalByDest[r.Destination], pos)
	st.withdrawalByAsset[r.Asset] = append(st.withdrawalByAsset[r.Asset], pos)
	st.withdrawalByKind[r.Kind] = append(st.withdrawalByKind[r.Kind], pos)

	st.record(func() {
		st.withdrawals = st.withdrawals[:pos]
		delete(st.withdrawalByID, c.ID)
		if c.Payee != "" {
			popIndex(st.withdrawalByPayee, c.Payee)
		}
		popIndex(st.withdrawalByDest, c.Destination)
		popIndex(st.withdrawalByAsset, c.Asset)
		popIndex(st.withdrawalByKind, c.Kind)
	})
	return nil
}

func (st *state) getWithdrawal(recID id.WithdrawalID) (*withdrawal.Record, error) {
	pos, ok := st.withdrawalByID[recID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", settle.ErrWithdrawalNotFound, recID)
	}
	c := *st.withdrawals[pos]
	return &c, nil
}

// withdrawalCandidates picks the narrowest index the filter allows.
func (st *state) withdrawalCandidates(f withdrawal.Filter) []int {
	var best []int
	found := false
	consider := func(positions []int) {
		if !found || len(positions) < len(best) {
			best, found = positions, true
		}
	}
	if f.Payee != "" {
		consider(st.withdrawalByPayee[f.Payee])
	}
	if f.Destination != "" {
		consider(st.withdrawalByDest[f.Destination])
	}
	if f.Asset != "" {
		consider(st.withdrawalByAsset[f.Asset])
	}
	if f.Kind != "" {
		consider(st.withdrawalByKind[f.Kind])
	}
	if !found {
		return allPositions(len(st.withdrawals))
	}
	return best
}

func (st *state) listWithdrawals(f withdrawal.Filter) []*withdrawal.Record {
	positions := st.withdrawalCandidates(f)
	result := make([]*withdrawal.Record, 0, len(positions))
	for _, pos := range positions {
		if r := st.withdrawals[pos]; f.Match(r) {
			c := *r
			result = append(result, &c)
		}
	}
	byCreation(result, f.Newest, func(r *withdrawal.Record) (time.Time, string) {
		return r.CreatedAt, r.ID.String()
	})
	return page(result, f.Limit, f.Offset)
}

// ==================== Destinations ====================

func (st *state) createDestination(d *treasury.Destination) error {
	if _, exists := st.destinations[d.Address]; exists {
		return fmt.Errorf("%w: %s", settle.ErrDestinationExists, d.Address)
	}
	c := *d
	st.destinations[c.Address] = &c
	st.record(func() { delete(st.destinations, c.Address) })
	return nil
}

func (st *state) getDestination(address string) (*treasury.Destination, error) {
	d, ok := st.destinations[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", settle.ErrDestinationNotFound, address)
	}
	c := *d
	return &c, nil
}

func (st *state) listDestinations(opts treasury.ListOpts) []*treasury.Destination {
	result := make([]*treasury.Destination, 0, len(st.destinations))
	for _, d := range st.destinations {
		if opts.ActiveOnly && !d.Active {
			continue
		}
		c := *d
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result
}

func (st *state) updateDestination(d *treasury.Destination) error {
	old, ok := st.destinations[d.Address]
	if !ok {
		return fmt.Errorf("%w: %s", settle.ErrDestinationNotFound, d.Address)
	}
	c := *d
	st.destinations[c.Address] = &c
	st.record(func() { st.destinations[c.Address] = old })
	return nil
}

func (st *state) deleteDestination(address string) error {
	old, ok := st.destinations[address]
	if !ok {
		return fmt.Errorf("%w: %s", settle.ErrDestinationNotFound, address)
	}
	delete(st.destinations, address)
	st.record(func() { st.destinations[address] = old })
	return nil
}

// ==================== Helpers ====================

func allPositions(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// byCreation sorts items by creation time then id, oldest first or newest
// first, the same order the SQL and Mongo stores use.
func byCreation[T any](items []T, newest bool, key func(T) (time.Time, string)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, idi := key(items[i])
		tj, idj := key(items[j])
		if newest {
			ti, idi, tj, idj = tj, idj, ti, idi
		}
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return idi < idj
	})
}

func page[T any](items []T, limit, offset int) []T {
	start := offset
	if start < 0 {
		start = 0
	}
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func popIndex[K comparable](index map[K][]int, key K) {
	positions := index[key]
	if len(positions) <= 1 {
		delete(index, key)
		return
	}
	index[key] = positions[:len(positions)-1]
}
