package invoice

import (
	"testing"
	"time"

	"github.com/xraph/settle/types"
)

func TestStatusTransitions(t *testing.T) {
	all := []Status{StatusPending, StatusPaid, StatusRefunded, StatusExpired}
	legal := map[[2]Status]bool{
		{StatusPending, StatusPaid}:    true,
		{StatusPending, StatusExpired}: true,
		{StatusPaid, StatusRefunded}:   true,
	}

	for _, from := range all {
		for _, to := range all {
			t.Run(string(from)+"->"+string(to), func(t *testing.T) {
				want := legal[[2]Status{from, to}]
				if got := from.CanTransition(to); got != want {
					t.Errorf("CanTransition = %v, want %v", got, want)
				}
			})
		}
	}

	if Status("draft").Valid() {
		t.Error("unknown status reported valid")
	}
	if !StatusExpired.Terminal() || StatusPaid.Terminal() {
		t.Error("terminal classification wrong")
	}
}

func TestResolve(t *testing.T) {
	inv := &Invoice{Options: []types.Money{
		types.Of("usd", 1000),
		types.Of("gas", 50),
		types.Of("usd", 10), // shadowed by the first usd option
	}}

	tests := []struct {
		name   string
		asset  string
		amount int64
		want   Resolution
		option types.Money
	}{
		{"exact", "usd", 1000, Resolved, types.Of("usd", 1000)},
		{"overpaid", "usd", 1500, Resolved, types.Of("usd", 1000)},
		{"underpaid first match wins", "usd", 20, Underpaid, types.Of("usd", 1000)},
		{"second asset", "gas", 50, Resolved, types.Of("gas", 50)},
		{"unknown asset", "eur", 5000, AssetNotAccepted, types.Money{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opt, got := inv.Resolve(tt.asset, tt.amount)
			if got != tt.want {
				t.Errorf("Resolve = %v, want %v", got, tt.want)
			}
			if opt != tt.option {
				t.Errorf("option = %v, want %v", opt, tt.option)
			}
		})
	}
}

func TestSettlementApply(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inv := &Invoice{Status: StatusPending, Options: []types.Money{types.Of("usd", 1000)}}

	Settlement{Payer: "bob", Amount: types.Of("usd", 1200), Fee: 12, FeeBps: 100, At: at}.Apply(inv)

	if inv.Status != StatusPaid || inv.Payer != "bob" {
		t.Fatalf("unexpected invoice after apply: %+v", inv)
	}
	if got := inv.PayeeCredit(); got != types.Of("usd", 1188) {
		t.Errorf("PayeeCredit = %v", got)
	}
	if got := inv.FeeCharged(); got != types.Of("usd", 12) {
		t.Errorf("FeeCharged = %v", got)
	}
	if inv.SettledAt == nil || !inv.SettledAt.Equal(at) {
		t.Errorf("SettledAt = %v", inv.SettledAt)
	}
}

func TestOverdue(t *testing.T) {
	exp := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	inv := &Invoice{Status: StatusPending, ExpiresAt: exp}

	if inv.Overdue(exp) {
		t.Error("an invoice is payable at exactly its expiry")
	}
	if !inv.Overdue(exp.Add(time.Nanosecond)) {
		t.Error("expected overdue after expiry")
	}
	inv.Status = StatusPaid
	if inv.Overdue(exp.Add(time.Hour)) {
		t.Error("paid invoice is never overdue")
	}
}

func TestClone(t *testing.T) {
	at := time.Now()
	inv := &Invoice{
		Options:   []types.Money{types.Of("usd", 1)},
		SettledAt: &at,
		Metadata:  map[string]string{"k": "v"},
	}
	c := inv.Clone()
	c.Options[0].Amount = 99
	c.Metadata["k"] = "changed"
	*c.SettledAt = at.Add(time.Hour)

	if inv.Options[0].Amount != 1 || inv.Metadata["k"] != "v" || !inv.SettledAt.Equal(at) {
		t.Error("clone shares state with original")
	}
}
