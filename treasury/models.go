// Package treasury models the registered destinations fee collections may
// be sent to.
package treasury

import "github.com/xraph/settle/types"

// Destination is an address eligible to receive collected fees while Active.
type Destination struct {
	types.Entity
	Address string `json:"address"`
	Label   string `json:"label"`
	Active  bool   `json:"active"`
}

// ListOpts filters destination listings. Results are ordered by address.
type ListOpts struct {
	ActiveOnly bool
}

// Change names a destination mutation reported to plugins.
type Change string

const (
	ChangeRegistered   Change = "registered"
	ChangeDeregistered Change = "deregistered"
	ChangeActivated    Change = "activated"
	ChangeDeactivated  Change = "deactivated"
	ChangeRelabeled    Change = "relabeled"
)
