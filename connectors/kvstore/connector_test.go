package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/autoschematic-sh/autoschematic/pkg/connector"
)

func newTestConnector(t *testing.T) *KVConnector {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kvstore.json")
	return NewKVConnector(path, zerolog.Nop())
}

func TestFilter(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	tests := []struct {
		addr string
		want connector.FilterResponse
	}{
		{"kv/app.json", connector.FilterResource},
		{"kv/nested/app.json", connector.FilterResource},
		{"defaults.kvbundle.json", connector.FilterBundle},
		{"kv/app.yaml", connector.FilterNone},
		{"other/app.json", connector.FilterNone},
		{"README.md", connector.FilterNone},
	}
	for _, tt := range tests {
		got, err := conn.Filter(ctx, tt.addr)
		if err != nil {
			t.Fatalf("Filter(%q) error: %v", tt.addr, err)
		}
		if got != tt.want {
			t.Errorf("Filter(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestPlanCreate(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	desired, _ := json.Marshal(Record{Value: "hello"})
	ops, err := conn.Plan(ctx, "app", nil, desired)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(ops))
	}
	if len(ops[0].WritesOutputs) == 0 {
		t.Error("set op should declare written outputs")
	}

	var parsed kvOp
	if err := json.Unmarshal([]byte(ops[0].OpDefinition), &parsed); err != nil {
		t.Fatalf("op definition is not valid JSON: %v", err)
	}
	if parsed.Type != "set" || parsed.Value != "hello" {
		t.Errorf("unexpected op: %+v", parsed)
	}
}

func TestPlanNoDrift(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	// Formatting differs but the records agree.
	current := []byte("{\n  \"value\": \"hello\"\n}")
	desired := []byte(`{"value":"hello"}`)
	ops, err := conn.Plan(ctx, "app", current, desired)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("expected no ops for matching records, got %d", len(ops))
	}
}

func TestPlanDelete(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	current, _ := json.Marshal(Record{Value: "hello"})
	ops, err := conn.Plan(ctx, "app", current, nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("expected 1 op, got %d", len(ops))
	}
	var parsed kvOp
	if err := json.Unmarshal([]byte(ops[0].OpDefinition), &parsed); err != nil {
		t.Fatalf("op definition is not valid JSON: %v", err)
	}
	if parsed.Type != "delete" {
		t.Errorf("expected delete op, got %q", parsed.Type)
	}
}

func TestOpExecRoundTrip(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	setOp, _ := marshalOp(kvOp{Type: "set", Value: "hello", Labels: map[string]string{"env": "test"}})
	result, err := conn.OpExec(ctx, "app", setOp)
	if err != nil {
		t.Fatalf("OpExec set failed: %v", err)
	}
	if result.Outputs["key"] == nil || *result.Outputs["key"] != "app" {
		t.Errorf("expected key output 'app', got %v", result.Outputs["key"])
	}
	if result.Outputs["revision"] == nil || *result.Outputs["revision"] != "1" {
		t.Errorf("expected revision output '1', got %v", result.Outputs["revision"])
	}

	got, err := conn.Get(ctx, "app")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected key to exist after set")
	}
	var rec Record
	if err := json.Unmarshal(got.ResourceDefinition, &rec); err != nil {
		t.Fatalf("invalid resource definition: %v", err)
	}
	if rec.Value != "hello" || rec.Labels["env"] != "test" {
		t.Errorf("unexpected record: %+v", rec)
	}

	// Second set bumps the revision.
	result, err = conn.OpExec(ctx, "app", setOp)
	if err != nil {
		t.Fatalf("OpExec second set failed: %v", err)
	}
	if *result.Outputs["revision"] != "2" {
		t.Errorf("expected revision '2', got %q", *result.Outputs["revision"])
	}

	deleteOp, _ := marshalOp(kvOp{Type: "delete"})
	if _, err := conn.OpExec(ctx, "app", deleteOp); err != nil {
		t.Fatalf("OpExec delete failed: %v", err)
	}
	got, err = conn.Get(ctx, "app")
	if err != nil {
		t.Fatalf("Get after delete failed: %v", err)
	}
	if got != nil {
		t.Error("expected key to be absent after delete")
	}
}

func TestOpExecDeleteAbsent(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	deleteOp, _ := marshalOp(kvOp{Type: "delete"})
	result, err := conn.OpExec(ctx, "ghost", deleteOp)
	if err != nil {
		t.Fatalf("OpExec delete of absent key failed: %v", err)
	}
	if result.FriendlyMessage == "" {
		t.Error("expected a friendly message for absent key")
	}
}

func TestAddrVirtToPhy(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	res, err := conn.AddrVirtToPhy(ctx, "kv/app.json")
	if err != nil {
		t.Fatalf("AddrVirtToPhy failed: %v", err)
	}
	if res.Type != connector.VirtToPhyNotPresent {
		t.Errorf("expected not_present for missing key, got %q", res.Type)
	}

	setOp, _ := marshalOp(kvOp{Type: "set", Value: "hello"})
	if _, err := conn.OpExec(ctx, "app", setOp); err != nil {
		t.Fatalf("OpExec failed: %v", err)
	}

	res, err = conn.AddrVirtToPhy(ctx, "kv/app.json")
	if err != nil {
		t.Fatalf("AddrVirtToPhy failed: %v", err)
	}
	if res.Type != connector.VirtToPhyPresent || res.Path != "app" {
		t.Errorf("expected present 'app', got %+v", res)
	}

	if _, err := conn.AddrVirtToPhy(ctx, "other/app.json"); err == nil {
		t.Error("expected error for a non-kv address")
	}
}

func TestAddrRoundTrip(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	virt, err := conn.AddrPhyToVirt(ctx, "app")
	if err != nil {
		t.Fatalf("AddrPhyToVirt failed: %v", err)
	}
	if virt != "kv/app.json" {
		t.Errorf("expected kv/app.json, got %q", virt)
	}

	key, ok := keyFromAddr(virt)
	if !ok || key != "app" {
		t.Errorf("round trip broke: got %q, %v", key, ok)
	}
}

func TestList(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	for _, key := range []string{"b", "a", "c"} {
		setOp, _ := marshalOp(kvOp{Type: "set", Value: key})
		if _, err := conn.OpExec(ctx, key, setOp); err != nil {
			t.Fatalf("OpExec failed: %v", err)
		}
	}

	keys, err := conn.List(ctx, "kv/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(keys) != len(want) {
		t.Fatalf("expected %d keys, got %d", len(want), len(keys))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestUnbundle(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	bundle := []byte(`[
		{"name": "first", "value": "1"},
		{"name": "second", "value": "2", "labels": {"env": "test"}}
	]`)
	elements, err := conn.Unbundle(ctx, "defaults.kvbundle.json", bundle)
	if err != nil {
		t.Fatalf("Unbundle failed: %v", err)
	}
	if len(elements) != 2 {
		t.Fatalf("expected 2 elements, got %d", len(elements))
	}
	if elements[0].Filename != "kv/first.json" {
		t.Errorf("unexpected filename: %q", elements[0].Filename)
	}
	var rec Record
	if err := json.Unmarshal(elements[1].Contents, &rec); err != nil {
		t.Fatalf("element contents invalid: %v", err)
	}
	if rec.Value != "2" || rec.Labels["env"] != "test" {
		t.Errorf("unexpected record: %+v", rec)
	}

	if _, err := conn.Unbundle(ctx, "bad.kvbundle.json", []byte(`[{"value": "no name"}]`)); err == nil {
		t.Error("expected error for entry without a name")
	}
}

func TestDiag(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	diags, err := conn.Diag(ctx, "kv/app.json", []byte(`{"value": "hello"}`))
	if err != nil {
		t.Fatalf("Diag failed: %v", err)
	}
	if len(diags) != 0 {
		t.Errorf("expected no diagnostics, got %v", diags)
	}

	diags, err = conn.Diag(ctx, "kv/app.json", []byte(`{"value": "hello", "bogus": true}`))
	if err != nil {
		t.Fatalf("Diag failed: %v", err)
	}
	if len(diags) != 1 || diags[0].Severity != connector.DiagnosticError {
		t.Errorf("expected one error diagnostic for unknown field, got %v", diags)
	}

	diags, err = conn.Diag(ctx, "kv/app.json", []byte(`{"value": ""}`))
	if err != nil {
		t.Fatalf("Diag failed: %v", err)
	}
	if len(diags) != 1 || diags[0].Severity != connector.DiagnosticWarning {
		t.Errorf("expected one warning for empty value, got %v", diags)
	}
}

func TestEq(t *testing.T) {
	conn := newTestConnector(t)
	ctx := context.Background()

	eq, err := conn.Eq(ctx, "kv/app.json",
		[]byte(`{"value":"x"}`),
		[]byte("{\n  \"value\": \"x\"\n}"))
	if err != nil {
		t.Fatalf("Eq failed: %v", err)
	}
	if !eq {
		t.Error("formatting-only difference should compare equal")
	}

	eq, err = conn.Eq(ctx, "kv/app.json",
		[]byte(`{"value":"x"}`),
		[]byte(`{"value":"y"}`))
	if err != nil {
		t.Fatalf("Eq failed: %v", err)
	}
	if eq {
		t.Error("different values should not compare equal")
	}
}
