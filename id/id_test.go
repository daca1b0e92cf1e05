package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xraph/orchestra/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"ExecutionID", id.NewExecutionID, "wfex_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
		{"DLQID", id.NewDLQID, "dlq_"},
		{"LeaseID", id.NewLeaseID, "lease_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"ExecutionID", id.NewExecutionID, id.ParseExecutionID},
		{"WorkerID", id.NewWorkerID, id.ParseWorkerID},
		{"DLQID", id.NewDLQID, id.ParseDLQID},
		{"LeaseID", id.NewLeaseID, id.ParseLeaseID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	if _, err := id.ParseExecutionID(id.NewLeaseID().String()); err == nil {
		t.Error("ParseExecutionID accepted a lease id")
	}
	if _, err := id.ParseLeaseID(id.NewExecutionID().String()); err == nil {
		t.Error("ParseLeaseID accepted an execution id")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestJSON(t *testing.T) {
	type wrapper struct {
		ID id.ExecutionID `json:"id"`
	}
	original := wrapper{ID: id.NewExecutionID()}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var restored wrapper
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if restored.ID.String() != original.ID.String() {
		t.Errorf("mismatch: %q != %q", restored.ID, original.ID)
	}
}

func TestValueScan(t *testing.T) {
	original := id.NewDLQID()
	val, err := original.Value()
	if err != nil {
		t.Fatalf("Value failed: %v", err)
	}

	var scanned id.ID
	if scanErr := scanned.Scan(val); scanErr != nil {
		t.Fatalf("Scan failed: %v", scanErr)
	}
	if scanned.String() != original.String() {
		t.Errorf("mismatch: %q != %q", scanned.String(), original.String())
	}

	var nilID id.ID
	val, err = nilID.Value()
	if err != nil {
		t.Fatalf("Value(nil) failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil value for nil ID, got %v", val)
	}
}

func TestScanColumnTypes(t *testing.T) {
	want := id.NewExecutionID()

	var fromBytes id.ID
	if err := fromBytes.Scan([]byte(want.String())); err != nil {
		t.Fatalf("Scan([]byte): %v", err)
	}
	if fromBytes.String() != want.String() {
		t.Errorf("Scan([]byte) = %q, want %q", fromBytes, want)
	}

	for _, src := range []any{nil, "", []byte{}} {
		got := id.NewWorkerID()
		if err := got.Scan(src); err != nil {
			t.Fatalf("Scan(%#v): %v", src, err)
		}
		if !got.IsNil() {
			t.Errorf("Scan(%#v) = %q, want Nil", src, got)
		}
	}

	var bad id.ID
	if err := bad.Scan(42); err == nil {
		t.Error("expected error scanning an int")
	}
}

func TestParseWithPrefix_ErrorNamesPrefixes(t *testing.T) {
	lease := id.NewLeaseID().String()
	_, err := id.ParseWithPrefix(lease, id.PrefixExecution)
	if err == nil {
		t.Fatal("expected prefix mismatch")
	}
	if !strings.Contains(err.Error(), `"lease"`) || !strings.Contains(err.Error(), `"wfex"`) {
		t.Errorf("error = %v, want both prefixes named", err)
	}
}
