package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/backoff"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/engine"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/store/memory"
)

// ──────────────────────────────────────────────────
// Harness
// ──────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recorder counts lifecycle hooks.
type recorder struct {
	mu     sync.Mutex
	events map[string]int
}

func newRecorder() *recorder { return &recorder{events: make(map[string]int)} }

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.events[name]++
	r.mu.Unlock()
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[name]
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnExecutionStarted(context.Context, *execution.Execution) error {
	r.add("execution.started")
	return nil
}

func (r *recorder) OnExecutionCompleted(context.Context, *execution.Execution, time.Duration) error {
	r.add("execution.completed")
	return nil
}

func (r *recorder) OnExecutionFailed(context.Context, *execution.Execution, string) error {
	r.add("execution.failed")
	return nil
}

func (r *recorder) OnExecutionTerminated(context.Context, *execution.Execution, string) error {
	r.add("execution.terminated")
	return nil
}

func (r *recorder) OnTaskScheduled(context.Context, *execution.Execution, *execution.TaskExecution) error {
	r.add("task.scheduled")
	return nil
}

func (r *recorder) OnTaskStarted(context.Context, *execution.Execution, *execution.TaskExecution) error {
	r.add("task.started")
	return nil
}

func (r *recorder) OnTaskRetrying(context.Context, *execution.Execution, *execution.TaskExecution, *execution.TaskExecution) error {
	r.add("task.retrying")
	return nil
}

func (r *recorder) OnTaskSkipped(context.Context, *execution.Execution, string, string) error {
	r.add("task.skipped")
	return nil
}

func (r *recorder) OnTaskDLQ(context.Context, *execution.Execution, *execution.TaskExecution, error) error {
	r.add("task.dlq")
	return nil
}

func (r *recorder) OnLeaseExpired(context.Context, *queue.Entry) error {
	r.add("lease.expired")
	return nil
}

type harness struct {
	eng   *engine.Engine
	store *memory.Store
	clock *fakeClock
	rec   *recorder
}

func newHarness(t *testing.T, opts ...engine.Option) *harness {
	t.Helper()
	clock := newFakeClock()
	s := memory.New(memory.WithClock(clock.Now))
	o, err := orchestra.New(
		orchestra.WithStore(s),
		orchestra.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("orchestra.New: %v", err)
	}
	rec := newRecorder()
	base := []engine.Option{
		engine.WithClock(clock.Now),
		engine.WithBackoff(backoff.None),
		engine.WithExtension(rec),
	}
	eng, err := engine.Build(o, append(base, opts...)...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return &harness{eng: eng, store: s, clock: clock, rec: rec}
}

func (h *harness) register(t *testing.T, d *definition.Definition) {
	t.Helper()
	if err := h.eng.RegisterDefinition(context.Background(), d); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
}

func (h *harness) start(t *testing.T, name string, input map[string]any) *execution.Execution {
	t.Helper()
	e, err := h.eng.StartExecution(context.Background(), engine.StartRequest{DefinitionName: name, Input: input})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	return e
}

// lease polls one entry of taskType in domain and marks it started.
func (h *harness) lease(t *testing.T, taskType, domain string) (*queue.Entry, *execution.TaskExecution) {
	t.Helper()
	ctx := context.Background()
	got, err := h.store.Poll(ctx, queue.PollRequest{TaskType: taskType, Domain: domain, Count: 1, Lease: time.Minute, Owner: "w1"})
	if err != nil {
		t.Fatalf("Poll(%s): %v", taskType, err)
	}
	if len(got) != 1 {
		t.Fatalf("Poll(%s) leased %d entries, want 1", taskType, len(got))
	}
	qe := got[0]
	_, task, err := h.eng.MarkStarted(ctx, qe.Key(), "w1", qe.LeaseExpiry)
	if err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}
	return qe, task
}

func (h *harness) report(t *testing.T, qe *queue.Entry, out engine.Outcome) *execution.Execution {
	t.Helper()
	ctx := context.Background()
	if err := h.store.Ack(ctx, qe.Key(), qe.LeaseToken); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	out.ExecutionID, out.TaskRef, out.Attempt = qe.ExecutionID, qe.TaskRef, qe.Attempt
	e, err := h.eng.HandleOutcome(ctx, out)
	if err != nil {
		t.Fatalf("HandleOutcome(%s): %v", qe.TaskRef, err)
	}
	return e
}

func (h *harness) complete(t *testing.T, qe *queue.Entry, output map[string]any) *execution.Execution {
	t.Helper()
	return h.report(t, qe, engine.Outcome{Status: execution.TaskCompleted, Output: output})
}

func (h *harness) fail(t *testing.T, qe *queue.Entry, kind orchestra.ErrorKind, msg string) *execution.Execution {
	t.Helper()
	return h.report(t, qe, engine.Outcome{Status: execution.TaskFailed, ErrorKind: kind, Error: msg})
}

func (h *harness) depth(t *testing.T, taskType string) int64 {
	t.Helper()
	n, err := h.store.QueueDepth(context.Background(), taskType)
	if err != nil {
		t.Fatalf("QueueDepth: %v", err)
	}
	return n
}

func (h *harness) get(t *testing.T, execID id.ExecutionID) *execution.Execution {
	t.Helper()
	e, err := h.eng.GetExecution(context.Background(), execID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	return e
}

func loadTriage(t *testing.T) *definition.Definition {
	t.Helper()
	defs, err := definition.LoadFile("../examples/triage.yaml")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	return defs[0]
}

func statusOf(e *execution.Execution, ref string) execution.TaskStatus {
	if t := e.Latest(ref); t != nil {
		return t.Status
	}
	return ""
}

// ──────────────────────────────────────────────────
// Triage end to end
// ──────────────────────────────────────────────────

func TestEngine_Triage_AutoResponds(t *testing.T) {
	h := newHarness(t)
	h.register(t, loadTriage(t))
	e := h.start(t, "customer_support_triage", map[string]any{
		"ticket_id":      "T-1001",
		"ticket_content": "I was charged twice this month",
	})
	if e.Status != execution.StatusRunning {
		t.Fatalf("status = %s, want RUNNING", e.Status)
	}
	if e.CorrelationID == "" {
		t.Error("expected a default correlation id")
	}

	qe, task := h.lease(t, "llm_chat_complete", "")
	if qe.TaskRef != "classify_ticket" {
		t.Fatalf("first task = %s, want classify_ticket", qe.TaskRef)
	}
	msgs, _ := task.Input["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", task.Input["messages"])
	}
	if msg, _ := msgs[0].(map[string]any); msg["content"] != "I was charged twice this month" {
		t.Errorf("content = %v", msg["content"])
	}
	h.complete(t, qe, map[string]any{"result": map[string]any{"category": "billing", "urgency": "low"}})

	qe, task = h.lease(t, "llm_chat_complete", "")
	if qe.TaskRef != "search_knowledge" {
		t.Fatalf("second task = %s, want search_knowledge", qe.TaskRef)
	}
	if task.Input["category"] != "billing" {
		t.Errorf("category = %v, want billing", task.Input["category"])
	}
	e = h.complete(t, qe, map[string]any{"confidence": 85, "suggested_response": "Refund issued"})

	if got := statusOf(e, "eval_escalation"); got != execution.TaskSkipped {
		t.Errorf("eval_escalation = %s, want SKIPPED", got)
	}
	if got := statusOf(e, "notify_team"); got != execution.TaskSkipped {
		t.Errorf("notify_team = %s, want SKIPPED", got)
	}

	qe, task = h.lease(t, "send_auto_response", "")
	if task.Input["response"] != "Refund issued" {
		t.Errorf("response = %v", task.Input["response"])
	}
	e = h.complete(t, qe, map[string]any{"sent": true})

	if e.Status != execution.StatusCompleted {
		t.Fatalf("status = %s (%s), want COMPLETED", e.Status, e.Reason)
	}
	if e.Output["ticket_id"] != "T-1001" || e.Output["category"] != "billing" {
		t.Errorf("output = %v", e.Output)
	}
	if fmt.Sprint(e.Output["confidence"]) != "85" {
		t.Errorf("output confidence = %v", e.Output["confidence"])
	}
	if got := e.Context.Keys(); len(got) != 3 || got[0] != "classify_ticket" {
		t.Errorf("context keys = %v", got)
	}
	if h.rec.count("execution.completed") != 1 {
		t.Errorf("completed hooks = %d", h.rec.count("execution.completed"))
	}
	if h.rec.count("task.skipped") != 2 {
		t.Errorf("skipped hooks = %d, want 2", h.rec.count("task.skipped"))
	}
}

func TestEngine_Triage_Escalates(t *testing.T) {
	h := newHarness(t)
	h.register(t, loadTriage(t))
	e := h.start(t, "customer_support_triage", map[string]any{
		"ticket_id":      "T-2002",
		"ticket_content": "Production is down",
	})

	qe, _ := h.lease(t, "llm_chat_complete", "")
	h.complete(t, qe, map[string]any{"result": map[string]any{"category": "outage", "urgency": "critical"}})
	qe, _ = h.lease(t, "llm_chat_complete", "")
	e = h.complete(t, qe, map[string]any{"confidence": 40})

	if got := statusOf(e, "auto_respond"); got != execution.TaskSkipped {
		t.Errorf("auto_respond = %s, want SKIPPED", got)
	}

	qe, task := h.lease(t, "evaluate_escalation", "")
	if task.Input["urgency"] != "critical" {
		t.Errorf("urgency = %v", task.Input["urgency"])
	}
	h.complete(t, qe, map[string]any{"assigned_team": "tier2"})

	empty, err := h.store.Poll(context.Background(), queue.PollRequest{TaskType: "send_escalation_notification", Count: 1, Lease: time.Minute})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("notify_team must only be polled from the support domain")
	}

	qe, task = h.lease(t, "send_escalation_notification", "support")
	if task.Input["assigned_to"] != "tier2" || task.Input["ticket_id"] != "T-2002" {
		t.Errorf("notify input = %v", task.Input)
	}
	e = h.complete(t, qe, map[string]any{"delivered": true})

	if e.Status != execution.StatusCompleted {
		t.Fatalf("status = %s (%s), want COMPLETED", e.Status, e.Reason)
	}
}

func TestEngine_TaskToDomainOverride(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).Task("a", "noop", nil).MustBuild())

	e, err := h.eng.StartExecution(context.Background(), engine.StartRequest{
		DefinitionName: "d",
		TaskToDomain:   map[string]string{"*": "blue"},
	})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if got := e.Latest("a").Domain; got != "blue" {
		t.Fatalf("domain = %q, want blue", got)
	}
	h.lease(t, "noop", "blue")
}

// ──────────────────────────────────────────────────
// Retries and failures
// ──────────────────────────────────────────────────

func TestEngine_RetryBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("flaky", 1).
		Task("call", "http", map[string]any{"url": "${workflow.input.url}"}, definition.WithRetry(3, "", 0, 0)).
		MustBuild())
	e := h.start(t, "flaky", map[string]any{"url": "https://example.com"})

	for attempt := 1; attempt <= 3; attempt++ {
		qe, task := h.lease(t, "http", "")
		if qe.Attempt != attempt {
			t.Fatalf("leased attempt %d, want %d", qe.Attempt, attempt)
		}
		if task.Input["url"] != "https://example.com" {
			t.Errorf("attempt %d input = %v", attempt, task.Input)
		}
		e = h.fail(t, qe, orchestra.KindFailed, "connection refused")
	}

	if e.Status != execution.StatusFailed {
		t.Fatalf("status = %s, want FAILED", e.Status)
	}
	attempts := e.Attempts("call")
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	last := attempts[2]
	if last.Error == nil || last.Error.Kind != orchestra.KindRetryBudgetExhausted {
		t.Errorf("last error = %+v, want RETRY_BUDGET_EXHAUSTED", last.Error)
	}
	if h.rec.count("task.retrying") != 2 {
		t.Errorf("retrying hooks = %d, want 2", h.rec.count("task.retrying"))
	}

	entries, err := h.store.ListDLQ(context.Background(), dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want 1", len(entries))
	}
	if entries[0].ErrorKind != orchestra.KindRetryBudgetExhausted || entries[0].Attempt != 3 {
		t.Errorf("dlq entry = %+v", entries[0])
	}
	if !strings.Contains(entries[0].Error, "connection refused") {
		t.Errorf("dlq error = %q", entries[0].Error)
	}
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("flaky", 1).Task("call", "http", nil, definition.WithRetry(3, "", 0, 0)).MustBuild())
	h.start(t, "flaky", nil)

	qe, _ := h.lease(t, "http", "")
	h.fail(t, qe, "", "timeout talking to upstream")
	qe, _ = h.lease(t, "http", "")
	e := h.complete(t, qe, map[string]any{"ok": true})

	if e.Status != execution.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", e.Status)
	}
	if n, _ := h.store.CountDLQ(context.Background()); n != 0 {
		t.Errorf("dlq count = %d, want 0", n)
	}
}

func TestEngine_RetryBackoffDelaysVisibility(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("slow", 1).
		Task("call", "http", nil, definition.WithRetry(2, definition.BackoffFixed, 10*time.Second, 0)).
		MustBuild())
	h.start(t, "slow", nil)

	qe, _ := h.lease(t, "http", "")
	h.fail(t, qe, orchestra.KindFailed, "boom")

	got, _ := h.store.Poll(context.Background(), queue.PollRequest{TaskType: "http", Count: 1, Lease: time.Minute})
	if len(got) != 0 {
		t.Fatal("retry must not be visible before its backoff")
	}
	h.clock.Advance(10 * time.Second)
	qe, _ = h.lease(t, "http", "")
	if qe.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", qe.Attempt)
	}
}

func TestEngine_TerminalErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).Task("a", "t", nil, definition.WithRetry(5, "", 0, 0)).MustBuild())
	h.start(t, "d", nil)

	qe, _ := h.lease(t, "t", "")
	e := h.fail(t, qe, orchestra.KindTerminal, "bad request")

	if e.Status != execution.StatusFailed {
		t.Fatalf("status = %s, want FAILED", e.Status)
	}
	if len(e.Attempts("a")) != 1 {
		t.Errorf("attempts = %d, want 1", len(e.Attempts("a")))
	}
	entries, _ := h.store.ListDLQ(context.Background(), dlq.ListOpts{})
	if len(entries) != 1 || entries[0].ErrorKind != orchestra.KindTerminal {
		t.Fatalf("dlq = %+v", entries)
	}
}

func TestEngine_UnresolvedReferenceFailsTask(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).
		Task("a", "t", map[string]any{"who": "${workflow.input.customer}"}).
		MustBuild())
	e := h.start(t, "d", map[string]any{})

	if e.Status != execution.StatusFailed {
		t.Fatalf("status = %s, want FAILED", e.Status)
	}
	a := e.Latest("a")
	if a.Status != execution.TaskFailed || a.Error.Kind != orchestra.KindUnresolvedReference {
		t.Errorf("a = %s %+v", a.Status, a.Error)
	}
	if h.depth(t, "t") != 0 {
		t.Error("an unresolvable task must not be enqueued")
	}
	if h.rec.count("task.dlq") != 1 {
		t.Errorf("dlq hooks = %d, want 1", h.rec.count("task.dlq"))
	}
}

func TestEngine_OptionalFailureSkipsDownstream(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).
		Task("a", "t", nil).
		Task("enrich", "t", nil, definition.Optional()).
		Task("use", "t", map[string]any{"x": "${enrich.output.x}"}).
		Edge("a", "enrich").
		Edge("enrich", "use").
		MustBuild())
	h.start(t, "d", nil)

	qe, _ := h.lease(t, "t", "")
	h.complete(t, qe, nil)
	qe, _ = h.lease(t, "t", "")
	e := h.fail(t, qe, orchestra.KindTerminal, "no data")

	if got := statusOf(e, "use"); got != execution.TaskSkipped {
		t.Errorf("use = %s, want SKIPPED", got)
	}
	if e.Status != execution.StatusCompleted {
		t.Fatalf("status = %s (%s), want COMPLETED", e.Status, e.Reason)
	}
}

func TestEngine_OutputTemplateFailure(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).
		Task("a", "t", nil).
		Output(map[string]any{"answer": "${a.output.answer}"}).
		MustBuild())
	h.start(t, "d", nil)

	qe, _ := h.lease(t, "t", "")
	e := h.complete(t, qe, map[string]any{"other": 1})

	if e.Status != execution.StatusFailed {
		t.Fatalf("status = %s, want FAILED", e.Status)
	}
	if !strings.HasPrefix(e.Reason, "resolve output") {
		t.Errorf("reason = %q", e.Reason)
	}
}

// ──────────────────────────────────────────────────
// Outcomes
// ──────────────────────────────────────────────────

func TestEngine_DuplicateOutcomeIsNoop(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).Task("a", "t", nil).Task("b", "t", nil).Chain("a", "b").MustBuild())
	h.start(t, "d", nil)

	qe, _ := h.lease(t, "t", "")
	first := h.complete(t, qe, map[string]any{"v": 1})

	again, err := h.eng.HandleOutcome(context.Background(), engine.Outcome{
		ExecutionID: qe.ExecutionID, TaskRef: qe.TaskRef, Attempt: qe.Attempt,
		Status: execution.TaskFailed, Error: "late duplicate",
	})
	if err != nil {
		t.Fatalf("duplicate HandleOutcome: %v", err)
	}
	if again.Revision != first.Revision {
		t.Errorf("revision moved from %d to %d", first.Revision, again.Revision)
	}
	if statusOf(again, "a") != execution.TaskCompleted {
		t.Errorf("a = %s, want COMPLETED", statusOf(again, "a"))
	}
}

func TestEngine_UnknownAttempt(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).Task("a", "t", nil).MustBuild())
	e := h.start(t, "d", nil)

	_, err := h.eng.HandleOutcome(context.Background(), engine.Outcome{
		ExecutionID: e.ID, TaskRef: "a", Attempt: 7, Status: execution.TaskCompleted,
	})
	if !errors.Is(err, orchestra.ErrTaskNotFound) {
		t.Fatalf("got %v, want ErrTaskNotFound", err)
	}
}

func TestEngine_ConcurrentOutcomes(t *testing.T) {
	h := newHarness(t)
	b := definition.New("fan", 1).Task("root", "t", nil).Task("join", "j", nil)
	const width = 8
	for i := range width {
		ref := fmt.Sprintf("branch_%d", i)
		b.Task(ref, "b", nil).Edge("root", ref).Edge(ref, "join")
	}
	h.register(t, b.MustBuild())
	h.start(t, "fan", nil)

	qe, _ := h.lease(t, "t", "")
	h.complete(t, qe, nil)

	ctx := context.Background()
	leased, err := h.store.Poll(ctx, queue.PollRequest{TaskType: "b", Count: width, Lease: time.Minute})
	if err != nil || len(leased) != width {
		t.Fatalf("poll branches: %d, err %v", len(leased), err)
	}

	var wg sync.WaitGroup
	for _, qe := range leased {
		wg.Add(1)
		go func(qe *queue.Entry) {
			defer wg.Done()
			if _, _, err := h.eng.MarkStarted(ctx, qe.Key(), "w", qe.LeaseExpiry); err != nil {
				t.Errorf("MarkStarted: %v", err)
				return
			}
			_, err := h.eng.HandleOutcome(ctx, engine.Outcome{
				ExecutionID: qe.ExecutionID, TaskRef: qe.TaskRef, Attempt: qe.Attempt,
				Status: execution.TaskCompleted, Output: map[string]any{"ref": qe.TaskRef},
			})
			if err != nil {
				t.Errorf("HandleOutcome: %v", err)
			}
		}(qe)
	}
	wg.Wait()

	e := h.get(t, qe.ExecutionID)
	if e.Context.Len() != width+1 {
		t.Errorf("context entries = %d, want %d", e.Context.Len(), width+1)
	}
	if n := len(e.Attempts("join")); n != 1 {
		t.Fatalf("join attempts = %d, want exactly 1", n)
	}
	if statusOf(e, "join") != execution.TaskScheduled {
		t.Errorf("join = %s, want SCHEDULED", statusOf(e, "join"))
	}
}

// ──────────────────────────────────────────────────
// Sweeper
// ──────────────────────────────────────────────────

func TestEngine_SweepRedeliversExpiredLease(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).Task("a", "t", nil).MustBuild())
	h.start(t, "d", nil)

	first, _ := h.lease(t, "t", "")
	h.clock.Advance(2 * time.Minute)
	h.eng.Sweep(context.Background())

	if h.rec.count("lease.expired") != 1 {
		t.Fatalf("lease.expired hooks = %d, want 1", h.rec.count("lease.expired"))
	}
	second, task := h.lease(t, "t", "")
	if second.Attempt != first.Attempt {
		t.Errorf("redelivered attempt = %d, want %d", second.Attempt, first.Attempt)
	}
	if second.LeaseToken == first.LeaseToken {
		t.Error("redelivery must mint a new lease token")
	}
	if task.Status != execution.TaskInProgress {
		t.Errorf("status = %s, want IN_PROGRESS", task.Status)
	}
	if err := h.store.Ack(context.Background(), first.Key(), first.LeaseToken); !errors.Is(err, orchestra.ErrLeaseExpired) {
		t.Errorf("stale ack: got %v, want ErrLeaseExpired", err)
	}
}

func TestEngine_SweepTimesOutAttempt(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).
		Task("a", "t", nil, definition.WithTimeout(30*time.Second), definition.WithRetry(2, "", 0, 0)).
		MustBuild())
	e := h.start(t, "d", nil)

	ctx := context.Background()
	got, err := h.store.Poll(ctx, queue.PollRequest{TaskType: "t", Count: 1, Lease: 10 * time.Minute})
	if err != nil || len(got) != 1 {
		t.Fatalf("poll: %d, err %v", len(got), err)
	}
	if _, _, err := h.eng.MarkStarted(ctx, got[0].Key(), "w1", got[0].LeaseExpiry); err != nil {
		t.Fatalf("MarkStarted: %v", err)
	}

	h.clock.Advance(31 * time.Second)
	h.eng.Sweep(ctx)

	e = h.get(t, e.ID)
	first := e.Task("a", 1)
	if first.Status != execution.TaskTimedOut || first.Error.Kind != orchestra.KindTaskTimeout {
		t.Fatalf("attempt 1 = %s %+v, want TIMED_OUT", first.Status, first.Error)
	}
	if second := e.Task("a", 2); second == nil || second.Status != execution.TaskScheduled {
		t.Fatalf("attempt 2 = %+v, want SCHEDULED", second)
	}
	if err := h.store.Ack(ctx, got[0].Key(), got[0].LeaseToken); !errors.Is(err, orchestra.ErrLeaseExpired) {
		t.Errorf("timed out entry should be gone, ack got %v", err)
	}
	if qe, _ := h.lease(t, "t", ""); qe.Attempt != 2 {
		t.Errorf("leased attempt %d, want 2", qe.Attempt)
	}
}

func TestEngine_SweepPurgesOldExecutions(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).Task("a", "t", nil).MustBuild())
	e := h.start(t, "d", nil)
	qe, _ := h.lease(t, "t", "")
	h.complete(t, qe, nil)

	h.clock.Advance(h.eng.Config().Retention + time.Hour)
	h.eng.Sweep(context.Background())

	if _, err := h.eng.GetExecution(context.Background(), e.ID); !errors.Is(err, orchestra.ErrExecutionNotFound) {
		t.Fatalf("got %v, want ErrExecutionNotFound", err)
	}
}

// flakyStore fails the first n Enqueue calls.
type flakyStore struct {
	*memory.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Enqueue(ctx context.Context, e *queue.Entry) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("queue unavailable")
	}
	s.mu.Unlock()
	return s.Store.Enqueue(ctx, e)
}

func TestEngine_SweepRepairsFailedEnqueue(t *testing.T) {
	clock := newFakeClock()
	s := &flakyStore{Store: memory.New(memory.WithClock(clock.Now)), failures: 1}
	o, err := orchestra.New(
		orchestra.WithStore(s),
		orchestra.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("orchestra.New: %v", err)
	}
	eng, err := engine.Build(o, engine.WithClock(clock.Now), engine.WithBackoff(backoff.None))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	ctx := context.Background()
	if err := eng.RegisterDefinition(ctx, definition.New("d", 1).Task("a", "t", nil).MustBuild()); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	e, err := eng.StartExecution(ctx, engine.StartRequest{DefinitionName: "d"})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if statusOf(e, "a") != execution.TaskScheduled {
		t.Fatalf("a = %s, want SCHEDULED", statusOf(e, "a"))
	}
	if n, _ := s.QueueDepth(ctx, "t"); n != 0 {
		t.Fatalf("depth after failed enqueue = %d, want 0", n)
	}

	eng.Sweep(ctx)
	eng.Sweep(ctx)

	if n, _ := s.QueueDepth(ctx, "t"); n != 1 {
		t.Fatalf("depth after sweep = %d, want 1", n)
	}
	got, err := s.Poll(ctx, queue.PollRequest{TaskType: "t", Count: 1, Lease: time.Minute, Owner: "w1"})
	if err != nil || len(got) != 1 {
		t.Fatalf("poll: %d entries, err %v", len(got), err)
	}
	if got[0].ExecutionID != e.ID || got[0].TaskRef != "a" || got[0].Attempt != 1 {
		t.Errorf("polled %s, want %s/a attempt 1", got[0].Key(), e.ID)
	}
}

func TestEngine_SweepRepairSkipsDelayedRetry(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).
		Task("a", "t", nil, definition.WithRetry(2, definition.BackoffFixed, time.Minute, 0)).
		MustBuild())
	e := h.start(t, "d", nil)
	qe, _ := h.lease(t, "t", "")
	h.fail(t, qe, orchestra.KindFailed, "boom")

	if err := h.store.Remove(context.Background(), queue.Key{ExecutionID: e.ID, TaskRef: "a", Attempt: 2}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	h.eng.Sweep(context.Background())
	if h.depth(t, "t") != 0 {
		t.Fatal("a retry that is not yet visible must not be repaired")
	}

	h.clock.Advance(2 * time.Minute)
	h.eng.Sweep(context.Background())
	if qe, _ := h.lease(t, "t", ""); qe.Attempt != 2 {
		t.Errorf("leased attempt %d, want 2", qe.Attempt)
	}
}

func TestEngine_SweepClosesAttemptOfTerminatedExecution(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).
		Task("a", "t", nil, definition.WithTimeout(30*time.Second), definition.WithRetry(2, "", 0, 0)).
		MustBuild())
	e := h.start(t, "d", nil)
	h.lease(t, "t", "")

	if _, err := h.eng.Terminate(context.Background(), e.ID, "stop"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	h.clock.Advance(31 * time.Second)
	h.eng.Sweep(context.Background())

	e = h.get(t, e.ID)
	if e.Status != execution.StatusTerminated {
		t.Fatalf("execution = %s, want TERMINATED", e.Status)
	}
	a := e.Task("a", 1)
	if a.Status != execution.TaskTimedOut || a.Error == nil || a.Error.Kind != orchestra.KindTaskTimeout {
		t.Fatalf("attempt 1 = %s %+v, want TIMED_OUT", a.Status, a.Error)
	}
	if e.Task("a", 2) != nil {
		t.Error("a stopped execution must not retry")
	}
	if h.depth(t, "t") != 0 {
		t.Error("the entry of a closed attempt must leave the queue")
	}
}

func TestEngine_SweepClosesAttemptAfterLeaseOfTerminatedExecution(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).Task("a", "t", nil).MustBuild())
	e := h.start(t, "d", nil)
	h.lease(t, "t", "")

	if _, err := h.eng.Terminate(context.Background(), e.ID, "stop"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	h.eng.Sweep(context.Background())
	if statusOf(h.get(t, e.ID), "a") != execution.TaskInProgress {
		t.Fatal("a held lease must keep the attempt IN_PROGRESS")
	}

	h.clock.Advance(2 * time.Minute)
	h.eng.Sweep(context.Background())
	if got := statusOf(h.get(t, e.ID), "a"); got != execution.TaskTimedOut {
		t.Errorf("a = %s, want TIMED_OUT", got)
	}
}

// ──────────────────────────────────────────────────
// Terminate and resume
// ──────────────────────────────────────────────────

func TestEngine_Terminate(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).Task("a", "t", nil).Task("b", "t", nil).Edge("a", "b").MustBuild())
	e := h.start(t, "d", nil)

	e, err := h.eng.Terminate(context.Background(), e.ID, "customer withdrew")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if e.Status != execution.StatusTerminated || e.Reason != "customer withdrew" {
		t.Errorf("execution = %s %q", e.Status, e.Reason)
	}
	if statusOf(e, "a") != execution.TaskCancelled {
		t.Errorf("a = %s, want CANCELLED", statusOf(e, "a"))
	}
	if h.depth(t, "t") != 0 {
		t.Error("cancelled entries must leave the queue")
	}
	if _, err := h.eng.Terminate(context.Background(), e.ID, ""); !errors.Is(err, orchestra.ErrExecutionTerminal) {
		t.Errorf("second terminate: got %v, want ErrExecutionTerminal", err)
	}
}

func TestEngine_ReportAfterTerminateSchedulesNothing(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).Task("a", "t", nil).Task("b", "t", nil).Edge("a", "b").MustBuild())
	e := h.start(t, "d", nil)

	qe, _ := h.lease(t, "t", "")
	if _, err := h.eng.Terminate(context.Background(), e.ID, "stop"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	e = h.complete(t, qe, map[string]any{"late": true})

	if statusOf(e, "a") != execution.TaskCompleted {
		t.Errorf("a = %s, want COMPLETED", statusOf(e, "a"))
	}
	if e.Latest("b") != nil {
		t.Error("b must not be scheduled after terminate")
	}
	if e.Status != execution.StatusTerminated {
		t.Errorf("status = %s, want TERMINATED", e.Status)
	}
}

func TestEngine_StartResumesScheduledAttempts(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).Task("a", "t", nil).MustBuild())
	e := h.start(t, "d", nil)

	ctx := context.Background()
	if err := h.store.Remove(ctx, queue.Key{ExecutionID: e.ID, TaskRef: "a", Attempt: 1}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := h.eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = h.eng.Stop(ctx) }()

	if h.depth(t, "t") != 1 {
		t.Fatalf("depth = %d after resume, want 1", h.depth(t, "t"))
	}
	if err := h.eng.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if h.depth(t, "t") != 1 {
		t.Error("resume must be idempotent")
	}
}

// ──────────────────────────────────────────────────
// Definitions
// ──────────────────────────────────────────────────

func TestEngine_VersionIsPinned(t *testing.T) {
	h := newHarness(t)
	h.register(t, definition.New("d", 1).Task("a", "old", nil).MustBuild())
	e := h.start(t, "d", nil)
	h.register(t, definition.New("d", 2).Task("a", "new", nil).Task("z", "new", nil).MustBuild())

	if e.DefinitionVersion != 1 {
		t.Fatalf("version = %d, want 1", e.DefinitionVersion)
	}
	qe, _ := h.lease(t, "old", "")
	e = h.complete(t, qe, nil)
	if e.Status != execution.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", e.Status)
	}

	latest := h.start(t, "d", nil)
	if latest.DefinitionVersion != 2 || len(latest.Tasks) != 2 {
		t.Errorf("latest start: version %d, %d tasks", latest.DefinitionVersion, len(latest.Tasks))
	}
}

func TestEngine_RegisterRejectsCycle(t *testing.T) {
	h := newHarness(t)
	d := &definition.Definition{
		Name:    "loop",
		Version: 1,
		Tasks:   []definition.TaskDefinition{{Ref: "a", Type: "t"}, {Ref: "b", Type: "t"}},
		Edges:   []definition.Edge{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}
	err := h.eng.RegisterDefinition(context.Background(), d)
	if !errors.Is(err, orchestra.ErrCyclicDefinition) {
		t.Fatalf("got %v, want ErrCyclicDefinition", err)
	}
	if _, err := h.eng.GetDefinition(context.Background(), "loop", 1); !errors.Is(err, orchestra.ErrDefinitionNotFound) {
		t.Errorf("cyclic definition was stored: %v", err)
	}
}
