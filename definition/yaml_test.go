package definition_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/xraph/orchestra/definition"
)

func TestLoadFile_TriageExample(t *testing.T) {
	defs, err := definition.LoadFile("../examples/triage.yaml")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("got %d definitions", len(defs))
	}
	d := defs[0]
	if d.Key() != "customer_support_triage@1" {
		t.Errorf("Key = %q", d.Key())
	}
	classify, _ := d.Task("classify_ticket")
	if classify.Timeout.Std() != 2*time.Minute {
		t.Errorf("timeout = %v", classify.Timeout.Std())
	}
	if classify.Retry.Attempts() != 3 || classify.Retry.InitialDelay.Std() != 2*time.Second {
		t.Errorf("retry = %+v", classify.Retry)
	}
	notify, _ := d.Task("notify_team")
	if notify.Domain != "support" {
		t.Errorf("notify domain = %q", notify.Domain)
	}
	if _, err := definition.Compile(d); err != nil {
		t.Errorf("Compile: %v", err)
	}
}

func TestLoadYAML_MultiDocumentAndNormalization(t *testing.T) {
	src := `
name: first
version: 1
tasks:
  - taskRefName: a
    taskType: t
    input:
      limit: 3
      nested: {ratio: 0.5, list: [1, 2]}
---
name: second
version: 2
tasks:
  - taskRefName: b
    taskType: t
    timeout: 1500
`
	defs, err := definition.LoadYAML(strings.NewReader(src))
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("got %d definitions", len(defs))
	}
	in := defs[0].Tasks[0].Input
	if v, ok := in["limit"].(float64); !ok || v != 3 {
		t.Errorf("limit = %#v, want float64(3)", in["limit"])
	}
	nested := in["nested"].(map[string]any)
	if list := nested["list"].([]any); list[1] != float64(2) {
		t.Errorf("list = %#v", list)
	}
	if got := defs[1].Tasks[0].Timeout.Std(); got != 1500*time.Millisecond {
		t.Errorf("numeric timeout = %v, want 1.5s", got)
	}
}

func TestLoadYAML_InvalidDefinition(t *testing.T) {
	_, err := definition.LoadYAML(strings.NewReader("name: x\nversion: 1\ntasks: []\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDuration_JSON(t *testing.T) {
	var p definition.RetryPolicy
	if err := json.Unmarshal([]byte(`{"maxAttempts":2,"initialDelay":"250ms","maxDelay":60000}`), &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.InitialDelay.Std() != 250*time.Millisecond || p.MaxDelay.Std() != time.Minute {
		t.Errorf("policy = %+v", p)
	}
	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(out), `"initialDelay":"250ms"`) {
		t.Errorf("marshalled %s", out)
	}
	if err := json.Unmarshal([]byte(`{"initialDelay":"soon"}`), &p); err == nil {
		t.Error("expected error for bad duration")
	}
}
