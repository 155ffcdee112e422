package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/settle/types"
)

// compile-time interface check
var _ Transfer = (*Vault)(nil)

// Direction of a journal entry.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Entry is one completed movement recorded by a Vault.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Direction Direction `json:"direction"`
	Asset     string    `json:"asset"`
	Holder    string    `json:"holder"`
	Amount    int64     `json:"amount"`
	At        time.Time `json:"at"`
}

// Vault is an in-memory Transfer. It tracks the balances of external holders
// and the amount of each asset held in custody, so tests can check that the
// module's books match what it actually holds.
type Vault struct {
	mu       sync.Mutex
	holders  map[string]map[string]int64 // asset -> holder -> amount
	custody  map[string]int64
	journal  []Entry
	failNext []error
	now      func() time.Time
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{
		holders: make(map[string]map[string]int64),
		custody: make(map[string]int64),
		now:     time.Now,
	}
}

// Fund credits an external holder, as if assets arrived from outside the
// system.
func (v *Vault) Fund(holder, asset string, amount int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	h := v.holderMap(asset)
	h[holder] += amount
}

// BalanceOf returns an external holder's balance.
func (v *Vault) BalanceOf(holder, asset string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.holders[asset][holder]
}

// Custody returns the amount of asset currently held by the module.
func (v *Vault) Custody(asset string) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.custody[asset]
}

// Journal returns a copy of every completed movement in order.
func (v *Vault) Journal() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Entry, len(v.journal))
	copy(out, v.journal)
	return out
}

// FailNext makes the next calls fail with the given errors, one per call,
// without moving anything.
func (v *Vault) FailNext(errs ...error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext = append(v.failNext, errs...)
}

// MoveIn implements Transfer.
func (v *Vault) MoveIn(ctx context.Context, asset, from string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.injected(); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	h := v.holderMap(asset)
	if h[from] < amount {
		return fmt.Errorf("%w: %s holds %d %s, needs %d", ErrInsufficientFunds, from, h[from], asset, amount)
	}
	next, ok := types.AddInt64(v.custody[asset], amount)
	if !ok {
		return fmt.Errorf("transfer: custody overflow for %s", asset)
	}
	h[from] -= amount
	v.custody[asset] = next
	v.record(DirectionIn, asset, from, amount)
	return nil
}

// MoveOut implements Transfer.
func (v *Vault) MoveOut(ctx context.Context, asset, to string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.injected(); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if v.custody[asset] < amount {
		return fmt.Errorf("%w: custody holds %d %s, needs %d", ErrInsufficientFunds, v.custody[asset], asset, amount)
	}
	h := v.holderMap(asset)
	next, ok := types.AddInt64(h[to], amount)
	if !ok {
		return fmt.Errorf("transfer: %s balance overflow for %s", to, asset)
	}
	v.custody[asset] -= amount
	h[to] = next
	v.record(DirectionOut, asset, to, amount)
	return nil
}

func (v *Vault) injected() error {
	if len(v.failNext) == 0 {
		return nil
	}
	err := v.failNext[0]
	v.failNext = v.failNext[1:]
	return err
}

func (v *Vault) holderMap(asset string) map[string]int64 {
	h, ok := v.holders[asset]
	if !ok {
		h = make(map[string]int64)
		v.holders[asset] = h
	}
	return h
}

func (v *Vault) record(dir Direction, asset, holder string, amount int64) {
	v.journal = append(v.journal, Entry{
		ID:        uuid.New(),
		Direction: dir,
		Asset:     asset,
		Holder:    holder,
		Amount:    amount,
		At:        v.now().UTC(),
	})
}
