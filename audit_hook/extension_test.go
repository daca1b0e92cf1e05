package audithook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/orchestra"
	ah "github.com/xraph/orchestra/audit_hook"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/engine"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/ext"
	"github.com/xraph/orchestra/gateway"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/store/memory"
)

// ── Mock recorder ────────────────────────────────────

type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) findByAction(action string) *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Action == action {
			return evt
		}
	}
	return nil
}

// ── Test helpers ─────────────────────────────────────

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testExecution() *execution.Execution {
	return &execution.Execution{
		ID:                id.NewExecutionID(),
		DefinitionName:    "customer_support_triage",
		DefinitionVersion: 2,
		Status:            execution.StatusRunning,
		CorrelationID:     "ticket-42",
		ScopeAppID:        "app_1",
		ScopeOrgID:        "org_1",
	}
}

func testTask(attempt int) *execution.TaskExecution {
	return &execution.TaskExecution{
		TaskRef:  "classify_ticket",
		TaskType: "llm_chat_complete",
		Attempt:  attempt,
		Status:   execution.TaskFailed,
		Error:    &execution.TaskError{Kind: orchestra.KindFailed, Message: "model timeout"},
	}
}

// ── Interface checks ─────────────────────────────────

func TestExtension_ImplementsHooks(t *testing.T) {
	var e ext.Extension = ah.New(&mockRecorder{})
	if e.Name() != "audit-hook" {
		t.Errorf("Name = %q, want audit-hook", e.Name())
	}
	if _, ok := e.(ext.TaskDLQ); !ok {
		t.Error("expected ext.TaskDLQ")
	}
	if _, ok := e.(ext.LeaseExpired); !ok {
		t.Error("expected ext.LeaseExpired")
	}
}

// ── Execution hooks ──────────────────────────────────

func TestExtension_ExecutionStarted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	ex := testExecution()

	if err := e.OnExecutionStarted(context.Background(), ex); err != nil {
		t.Fatalf("OnExecutionStarted: %v", err)
	}
	evt := rec.last()
	if evt == nil {
		t.Fatal("no event recorded")
	}
	if evt.Action != ah.ActionExecutionStarted || evt.Severity != ah.SeverityInfo || evt.Outcome != ah.OutcomeSuccess {
		t.Errorf("event = %+v", evt)
	}
	if evt.ResourceID != ex.ID.String() {
		t.Errorf("ResourceID = %q, want %q", evt.ResourceID, ex.ID.String())
	}
	if evt.Metadata["definition_name"] != "customer_support_triage" || evt.Metadata["correlation_id"] != "ticket-42" {
		t.Errorf("metadata = %v", evt.Metadata)
	}
	if evt.ScopeAppID != "app_1" || evt.ScopeOrgID != "org_1" {
		t.Errorf("scope = %q/%q", evt.ScopeAppID, evt.ScopeOrgID)
	}
}

func TestExtension_ExecutionCompleted(t *testing.T) {
	rec := &mockRecorder{}
	_ = ah.New(rec).OnExecutionCompleted(context.Background(), testExecution(), 1500*time.Millisecond)

	evt := rec.last()
	if evt.Action != ah.ActionExecutionCompleted {
		t.Errorf("Action = %q", evt.Action)
	}
	if evt.Metadata["elapsed_ms"] != int64(1500) {
		t.Errorf("elapsed_ms = %v, want 1500", evt.Metadata["elapsed_ms"])
	}
}

func TestExtension_ExecutionFailedAndTerminated(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	ex := testExecution()

	_ = e.OnExecutionFailed(context.Background(), ex, "task classify_ticket failed")
	_ = e.OnExecutionTerminated(context.Background(), ex, "operator request")

	failed := rec.findByAction(ah.ActionExecutionFailed)
	if failed == nil || failed.Severity != ah.SeverityCritical || failed.Reason != "task classify_ticket failed" {
		t.Errorf("failed event = %+v", failed)
	}
	term := rec.findByAction(ah.ActionExecutionTerminated)
	if term == nil || term.Severity != ah.SeverityWarning || term.Reason != "operator request" {
		t.Errorf("terminated event = %+v", term)
	}
}

// ── Task hooks ───────────────────────────────────────

func TestExtension_TaskRetrying(t *testing.T) {
	rec := &mockRecorder{}
	ex := testExecution()
	next := testTask(2)
	next.VisibleAt = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_ = ah.New(rec).OnTaskRetrying(context.Background(), ex, testTask(1), next)

	evt := rec.last()
	if evt.Action != ah.ActionTaskRetrying || evt.Severity != ah.SeverityWarning {
		t.Errorf("event = %+v", evt)
	}
	if evt.ResourceID != ex.ID.String()+"/classify_ticket/1" {
		t.Errorf("ResourceID = %q", evt.ResourceID)
	}
	if evt.Reason != "FAILED: model timeout" {
		t.Errorf("Reason = %q", evt.Reason)
	}
	if evt.Metadata["next_attempt"] != 2 || evt.Metadata["visible_at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("metadata = %v", evt.Metadata)
	}
}

func TestExtension_TaskFailedAndDLQ(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	cause := errors.New("model timeout")

	_ = e.OnTaskFailed(context.Background(), testExecution(), testTask(3), cause)
	_ = e.OnTaskDLQ(context.Background(), testExecution(), testTask(3), cause)

	for _, action := range []string{ah.ActionTaskFailed, ah.ActionTaskDLQ} {
		evt := rec.findByAction(action)
		if evt == nil {
			t.Fatalf("no %s event", action)
		}
		if evt.Severity != ah.SeverityCritical || evt.Metadata["error"] != "model timeout" {
			t.Errorf("%s event = %+v", action, evt)
		}
		if evt.Metadata["attempt"] != 3 || evt.Metadata["task_type"] != "llm_chat_complete" {
			t.Errorf("%s metadata = %v", action, evt.Metadata)
		}
	}
}

func TestExtension_TaskSkipped(t *testing.T) {
	rec := &mockRecorder{}
	ex := testExecution()
	_ = ah.New(rec).OnTaskSkipped(context.Background(), ex, "auto_respond", "condition false")

	evt := rec.last()
	if evt.Action != ah.ActionTaskSkipped || evt.ResourceID != ex.ID.String()+"/auto_respond" {
		t.Errorf("event = %+v", evt)
	}
}

func TestExtension_LeaseExpired(t *testing.T) {
	rec := &mockRecorder{}
	qe := &queue.Entry{
		TaskType:    "llm_chat_complete",
		ExecutionID: id.NewExecutionID(),
		TaskRef:     "classify_ticket",
		Attempt:     1,
		LeaseOwner:  "wkr_1",
		ScopeOrgID:  "org_9",
	}
	_ = ah.New(rec).OnLeaseExpired(context.Background(), qe)

	evt := rec.last()
	if evt.Action != ah.ActionLeaseExpired || evt.Category != ah.CategoryQueue {
		t.Errorf("event = %+v", evt)
	}
	if evt.ResourceID != qe.Key().String() || evt.ScopeOrgID != "org_9" {
		t.Errorf("event = %+v", evt)
	}
}

// ── Filtering and recorder errors ────────────────────

func TestExtension_WithActions(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionTaskDLQ))

	_ = e.OnExecutionStarted(context.Background(), testExecution())
	_ = e.OnTaskDLQ(context.Background(), testExecution(), testTask(1), errors.New("boom"))

	if rec.count() != 1 {
		t.Fatalf("recorded %d events, want 1", rec.count())
	}
	if rec.last().Action != ah.ActionTaskDLQ {
		t.Errorf("Action = %q", rec.last().Action)
	}
}

func TestExtension_RecorderErrorIsSwallowed(t *testing.T) {
	failing := ah.RecorderFunc(func(context.Context, *ah.AuditEvent) error {
		return errors.New("backend down")
	})
	e := ah.New(failing, ah.WithLogger(quiet()))
	if err := e.OnExecutionFailed(context.Background(), testExecution(), "x"); err != nil {
		t.Fatalf("hook returned %v, want nil", err)
	}
}

func TestAllActions(t *testing.T) {
	seen := map[string]bool{}
	for _, a := range ah.AllActions() {
		if seen[a] {
			t.Errorf("duplicate action %q", a)
		}
		seen[a] = true
	}
	if len(seen) != 9 {
		t.Errorf("got %d actions, want 9", len(seen))
	}
}

// ── Engine integration ───────────────────────────────

func TestExtension_RecordsEngineLifecycle(t *testing.T) {
	ctx := context.Background()
	rec := &mockRecorder{}

	o, err := orchestra.New(orchestra.WithStore(memory.New()), orchestra.WithLogger(quiet()))
	if err != nil {
		t.Fatalf("orchestra.New: %v", err)
	}
	eng, err := engine.Build(o, engine.WithExtension(ah.New(rec)))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	def := definition.New("audit", 1).
		Task("only", "flaky", map[string]any{}).
		MustBuild()
	if err := eng.RegisterDefinition(ctx, def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	ex, err := eng.StartExecution(ctx, engine.StartRequest{DefinitionName: "audit"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	gw := gateway.New(eng)
	tasks, err := gw.Poll(ctx, gateway.PollRequest{TaskType: "flaky", WorkerID: "w1"})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("Poll = %d tasks, err %v", len(tasks), err)
	}
	tk := tasks[0]
	err = gw.Report(ctx, gateway.Result{
		TaskID:      tk.TaskID,
		ExecutionID: tk.ExecutionID,
		TaskRef:     tk.TaskRef,
		Attempt:     tk.Attempt,
		Status:      gateway.ResultTerminal,
		Error:       "unrecoverable",
	})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}

	started := rec.findByAction(ah.ActionExecutionStarted)
	if started == nil || started.ResourceID != ex.ID.String() {
		t.Errorf("started event = %+v", started)
	}
	if rec.findByAction(ah.ActionExecutionFailed) == nil {
		t.Error("expected execution.failed event")
	}
	if rec.findByAction(ah.ActionTaskDLQ) == nil {
		t.Error("expected task.dlq event")
	}
}
