// Package transfer defines the asset-transfer primitive the settlement engine
// uses to move value between external holders and the module's custody.
package transfer

import (
	"context"
	"errors"
)

// ErrInsufficientFunds is returned by MoveIn when the source holder cannot
// cover the amount, and by MoveOut when custody cannot.
var ErrInsufficientFunds = errors.New("transfer: insufficient funds")

// ErrInvalidAmount is returned for non-positive amounts.
var ErrInvalidAmount = errors.New("transfer: amount must be positive")

// Transfer moves assets in and out of module custody. Implementations must be
// all-or-nothing per call: an error means nothing moved.
type Transfer interface {
	// MoveIn pulls amount of asset from an external holder into custody.
	MoveIn(ctx context.Context, asset, from string, amount int64) error

	// MoveOut pushes amount of asset from custody to an external holder.
	MoveOut(ctx context.Context, asset, to string, amount int64) error
}

// Func adapts a pair of functions into a Transfer.
type Func struct {
	In  func(ctx context.Context, asset, from string, amount int64) error
	Out func(ctx context.Context, asset, to string, amount int64) error
}

// MoveIn implements Transfer.
func (f Func) MoveIn(ctx context.Context, asset, from string, amount int64) error {
	return f.In(ctx, asset, from, amount)
}

// MoveOut implements Transfer.
func (f Func) MoveOut(ctx context.Context, asset, to string, amount int64) error {
	return f.Out(ctx, asset, to, amount)
}
