package memory

import (
	"fmt"
)

// verify checks that every index agrees with the arenas and that no balance
// is negative.
func (st *state) verify() error {
	if len(st.invoiceByID) != len(st.invoices) {
		return fmt.Errorf("invoice id index has %d entries for %d invoices", len(st.invoiceByID), len(st.invoices))
	}
	indexed := 0
	for payee, positions := range st.invoiceByPayee {
		for _, pos := range positions {
			if pos >= len(st.invoices) || st.invoices[pos].Payee != payee {
				return fmt.Errorf("payee index %q points at invoice position %d", payee, pos)
			}
		}
		indexed += len(positions)
	}
	if indexed != len(st.invoices) {
		return fmt.Errorf("payee index covers %d of %d invoices", indexed, len(st.invoices))
	}
	for pos, inv := range st.invoices {
		if st.invoiceByID[inv.ID] != pos {
			return fmt.Errorf("invoice %s indexed at wrong position", inv.ID)
		}
		if !inv.Status.Valid() {
			return fmt.Errorf("invoice %s has unknown status %q", inv.ID, inv.Status)
		}
	}

	assets := 0
	for payee, list := range st.payeeAssets {
		for _, asset := range list {
			b, ok := st.payeeBalances[balanceKey{payee, asset}]
			if !ok {
				return fmt.Errorf("payee %s lists asset %s without a balance", payee, asset)
			}
			if b.Amount < 0 {
				return fmt.Errorf("payee %s balance %s is negative: %d", payee, asset, b.Amount)
			}
		}
		assets += len(list)
	}
	if assets != len(st.payeeBalances) {
		return fmt.Errorf("payee asset index covers %d of %d balances", assets, len(st.payeeBalances))
	}
	for asset, p := range st.feePools {
		if p.Amount < 0 {
			return fmt.Errorf("fee pool %s is negative: %d", asset, p.Amount)
		}
	}

	if len(st.withdrawalByID) != len(st.withdrawals) {
		return fmt.Errorf("withdrawal id index has %d entries for %d records", len(st.withdrawalByID), len(st.withdrawals))
	}
	for pos, r := range st.withdrawals {
		if st.withdrawalByID[r.ID] != pos {
			return fmt.Errorf("withdrawal %s indexed at wrong position", r.ID)
		}
	}
	kinds := 0
	for kind, positions := range st.withdrawalByKind {
		for _, pos := range positions {
			if pos >= len(st.withdrawals) || st.withdrawals[pos].Kind != kind {
				return fmt.Errorf("kind index %q points at record position %d", kind, pos)
			}
		}
		kinds += len(positions)
	}
	if kinds != len(st.withdrawals) {
		return fmt.Errorf("kind index covers %d of %d records", kinds, len(st.withdrawals))
	}
	for payee, positions := range st.withdrawalByPayee {
		for _, pos := range positions {
			if pos >= len(st.withdrawals) || st.withdrawals[pos].Payee != payee {
				return fmt.Errorf("payee index %q points at record position %d", payee, pos)
			}
		}
	}
	for dest, positions := range st.withdrawalByDest {
		for _, pos := range positions {
			if pos >= len(st.withdrawals) || st.withdrawals[pos].Destination != dest {
				return fmt.Errorf("destination index %q points at record position %d", dest, pos)
			}
		}
	}
	for asset, positions := range st.withdrawalByAsset {
		for _, pos := range positions {
			if pos >= len(st.withdrawals) || st.withdrawals[pos].Asset != asset {
				return fmt.Errorf("asset index %q points at record position %d", asset, pos)
			}
		}
	}

	for address, d := range st.destinations {
		if d.Address != address {
			return fmt.Errorf("destination keyed %q has address %q", address, d.Address)
		}
	}
	return nil
}
