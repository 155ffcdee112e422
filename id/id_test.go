package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/settle/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
		prefix  string
	}{
		{"InvoiceID", id.NewInvoiceID, id.ParseInvoiceID, "inv_"},
		{"WithdrawalID", id.NewWithdrawalID, id.ParseWithdrawalID, "wdr_"},
		{"BatchID", id.NewBatchID, id.ParseBatchID, "bat_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			if !strings.HasPrefix(original.String(), tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, original.String())
			}
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed != original {
				t.Errorf("round-trip mismatch: %q != %q", parsed, original)
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParseInvoiceID rejects wdr_", id.NewWithdrawalID().String(), id.ParseInvoiceID},
		{"ParseWithdrawalID rejects bat_", id.NewBatchID().String(), id.ParseWithdrawalID},
		{"ParseBatchID rejects inv_", id.NewInvoiceID().String(), id.ParseBatchID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.parseFn(tt.input); err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "inv_", "not an id", "inv_0000"} {
		if _, err := id.Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}

func TestParseOptional(t *testing.T) {
	got, err := id.ParseOptional("", id.PrefixInvoice)
	if err != nil || !got.IsNil() {
		t.Fatalf("ParseOptional(\"\") = %v, %v; want Nil, nil", got, err)
	}

	inv := id.NewInvoiceID()
	got, err = id.ParseOptional(inv.String(), id.PrefixInvoice)
	if err != nil {
		t.Fatalf("ParseOptional failed: %v", err)
	}
	if got != inv {
		t.Errorf("mismatch: %q != %q", got, inv)
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" || i.Prefix() != "" {
		t.Errorf("expected empty string and prefix, got %q / %q", i.String(), i.Prefix())
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Invoice id.ID `json:"invoice"`
		Batch   id.ID `json:"batch"`
	}
	original := wrapper{Invoice: id.NewInvoiceID()}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"batch":""`) {
		t.Errorf("nil ID should marshal as empty string: %s", data)
	}

	var restored wrapper
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if restored.Invoice != original.Invoice || !restored.Batch.IsNil() {
		t.Errorf("mismatch: %+v != %+v", restored, original)
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewWithdrawalID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if scanErr := scanned.Scan(val); scanErr != nil {
		t.Fatalf("Scan failed: %v", scanErr)
	}
	if scanned != original {
		t.Errorf("mismatch: %q != %q", scanned, original)
	}

	var nilID id.ID
	val, err = nilID.Value()
	if err != nil || val != nil {
		t.Fatalf("Value(nil) = %v, %v; want nil, nil", val, err)
	}

	var fromBytes id.ID
	if err := fromBytes.Scan([]byte(original.String())); err != nil {
		t.Fatalf("Scan([]byte) failed: %v", err)
	}
	if fromBytes != original {
		t.Errorf("mismatch: %q != %q", fromBytes, original)
	}

	if err := fromBytes.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[id.ID]struct{}, 1000)
	for range 1000 {
		i := id.NewInvoiceID()
		if _, dup := seen[i]; dup {
			t.Fatalf("duplicate ID generated: %q", i)
		}
		seen[i] = struct{}{}
	}
}
