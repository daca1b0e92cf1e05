package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/dlq"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/queue"
	"github.com/xraph/orchestra/store/memory"
)

// clock is a manually advanced time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore() (*memory.Store, *clock) {
	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return memory.New(memory.WithClock(c.Now)), c
}

func entry(execID id.ExecutionID, ref string, priority int) *queue.Entry {
	return &queue.Entry{TaskType: "llm", ExecutionID: execID, TaskRef: ref, Attempt: 1, Priority: priority}
}

// ──────────────────────────────────────────────────
// Definitions
// ──────────────────────────────────────────────────

func TestDefinitions_Versions(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()

	for _, v := range []int{2, 1} {
		d := definition.New("triage", v).Task("a", "t", nil).MustBuild()
		if err := s.RegisterDefinition(ctx, d); err != nil {
			t.Fatalf("Register v%d: %v", v, err)
		}
	}
	dup := definition.New("triage", 1).Task("a", "t", nil).MustBuild()
	if err := s.RegisterDefinition(ctx, dup); !errors.Is(err, orchestra.ErrDefinitionExists) {
		t.Fatalf("duplicate err = %v", err)
	}

	latest, err := s.GetDefinition(ctx, "triage", 0)
	if err != nil || latest.Version != 2 {
		t.Fatalf("latest = %+v, %v", latest, err)
	}
	if _, err := s.GetDefinition(ctx, "triage", 7); !errors.Is(err, orchestra.ErrDefinitionNotFound) {
		t.Fatalf("missing version err = %v", err)
	}
	all, _ := s.ListDefinitions(ctx)
	if len(all) != 2 || all[0].Version != 1 {
		t.Fatalf("ListDefinitions = %d entries", len(all))
	}
}

// ──────────────────────────────────────────────────
// Executions
// ──────────────────────────────────────────────────

func TestExecutions_RevisionCAS(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()

	e := &execution.Execution{ID: id.NewExecutionID(), Status: execution.StatusRunning, Context: execution.NewContext()}
	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a, _ := s.GetExecution(ctx, e.ID)
	b, _ := s.GetExecution(ctx, e.ID)

	a.Reason = "first"
	if err := s.UpdateExecution(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Revision != 2 {
		t.Fatalf("revision = %d, want 2", a.Revision)
	}

	b.Reason = "second"
	if err := s.UpdateExecution(ctx, b); !errors.Is(err, orchestra.ErrRevisionConflict) {
		t.Fatalf("stale update err = %v, want ErrRevisionConflict", err)
	}

	got, _ := s.GetExecution(ctx, e.ID)
	if got.Reason != "first" {
		t.Fatalf("Reason = %q", got.Reason)
	}
}

func TestExecutions_ListAndPurge(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()

	ended := c.Now().Add(-48 * time.Hour)
	for i, st := range []execution.Status{execution.StatusRunning, execution.StatusCompleted, execution.StatusFailed} {
		e := &execution.Execution{
			ID:             id.NewExecutionID(),
			DefinitionName: "triage",
			Status:         st,
			Context:        execution.NewContext(),
			CreatedAt:      c.Now().Add(time.Duration(i) * time.Minute),
		}
		if st.Terminal() {
			e.EndedAt = &ended
		}
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	running, _ := s.ListExecutions(ctx, execution.ListOpts{Status: execution.StatusRunning})
	if len(running) != 1 {
		t.Fatalf("running = %d", len(running))
	}
	page, _ := s.ListExecutions(ctx, execution.ListOpts{DefinitionName: "triage", Limit: 2})
	if len(page) != 2 || page[0].Status != execution.StatusFailed {
		t.Fatalf("page = %d entries, newest first expected", len(page))
	}

	n, err := s.PurgeExecutions(ctx, c.Now().Add(-24*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("purged %d, %v", n, err)
	}
	rest, _ := s.ListExecutions(ctx, execution.ListOpts{})
	if len(rest) != 1 || rest[0].Status != execution.StatusRunning {
		t.Fatal("only the running execution should remain")
	}
}

// ──────────────────────────────────────────────────
// Queue
// ──────────────────────────────────────────────────

func TestQueue_EnqueueIsIdempotent(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()
	execID := id.NewExecutionID()

	_ = s.Enqueue(ctx, entry(execID, "a", 0))
	_ = s.Enqueue(ctx, entry(execID, "a", 9))
	if n, _ := s.QueueDepth(ctx, "llm"); n != 1 {
		t.Fatalf("depth = %d, want 1", n)
	}
}

func TestQueue_PollOrderAndDomain(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	execID := id.NewExecutionID()

	_ = s.Enqueue(ctx, entry(execID, "low", 0))
	c.Advance(time.Millisecond)
	_ = s.Enqueue(ctx, entry(execID, "high", 5))
	c.Advance(time.Millisecond)
	_ = s.Enqueue(ctx, entry(execID, "low2", 0))
	support := entry(execID, "support", 10)
	support.Domain = "support"
	_ = s.Enqueue(ctx, support)
	later := entry(execID, "later", 10)
	later.VisibleAt = c.Now().Add(time.Minute)
	_ = s.Enqueue(ctx, later)

	got, err := s.Poll(ctx, queue.PollRequest{TaskType: "llm", Count: 10, Lease: time.Minute, Owner: "w1"})
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	var refs []string
	for _, e := range got {
		refs = append(refs, e.TaskRef)
		if e.LeaseToken == "" || e.LeaseOwner != "w1" || !e.LeaseExpiry.Equal(c.Now().Add(time.Minute)) {
			t.Errorf("bad lease on %s: %+v", e.TaskRef, e)
		}
	}
	if len(refs) != 3 || refs[0] != "high" || refs[1] != "low" || refs[2] != "low2" {
		t.Fatalf("order = %v", refs)
	}

	dom, _ := s.Poll(ctx, queue.PollRequest{TaskType: "llm", Domain: "support", Count: 10, Lease: time.Minute})
	if len(dom) != 1 || dom[0].TaskRef != "support" {
		t.Fatalf("domain poll = %v", dom)
	}
}

func TestQueue_ConcurrentPollersNeverShare(t *testing.T) {
	s, _ := newStore()
	ctx := context.Background()
	execID := id.NewExecutionID()
	const total = 200
	for i := range total {
		e := entry(execID, "t", 0)
		e.Attempt = i + 1
		_ = s.Enqueue(ctx, e)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.Poll(ctx, queue.PollRequest{TaskType: "llm", Count: 3, Lease: time.Minute, Owner: string(rune('a' + w))})
				if err != nil {
					t.Error(err)
					return
				}
				if len(got) == 0 {
					return
				}
				mu.Lock()
				for _, e := range got {
					seen[e.Key().String()]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("leased %d distinct entries, want %d", len(seen), total)
	}
	for k, n := range seen {
		if n != 1 {
			t.Fatalf("%s leased %d times", k, n)
		}
	}
}

func TestQueue_AckRequiresLiveLease(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	_ = s.Enqueue(ctx, entry(id.NewExecutionID(), "a", 0))

	got, _ := s.Poll(ctx, queue.PollRequest{TaskType: "llm", Count: 1, Lease: time.Second})
	e := got[0]

	if err := s.Ack(ctx, e.Key(), "wrong"); !errors.Is(err, orchestra.ErrLeaseExpired) {
		t.Fatalf("wrong token err = %v", err)
	}
	c.Advance(2 * time.Second)
	var lease *orchestra.LeaseExpiredError
	if err := s.Ack(ctx, e.Key(), e.LeaseToken); !errors.As(err, &lease) || lease.TaskRef != "a" {
		t.Fatalf("expired ack err = %v", err)
	}
}

func TestQueue_HeartbeatExtends(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	_ = s.Enqueue(ctx, entry(id.NewExecutionID(), "a", 0))
	got, _ := s.Poll(ctx, queue.PollRequest{TaskType: "llm", Count: 1, Lease: time.Second})
	e := got[0]

	c.Advance(800 * time.Millisecond)
	exp, err := s.Heartbeat(ctx, e.Key(), e.LeaseToken, 5*time.Second)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !exp.Equal(c.Now().Add(5 * time.Second)) {
		t.Fatalf("expiry = %v", exp)
	}
	c.Advance(2 * time.Second)
	if err := s.Ack(ctx, e.Key(), e.LeaseToken); err != nil {
		t.Fatalf("Ack after heartbeat: %v", err)
	}

	if _, err := s.Heartbeat(ctx, e.Key(), e.LeaseToken, time.Second); !errors.Is(err, orchestra.ErrLeaseExpired) {
		t.Fatalf("heartbeat on acked entry err = %v", err)
	}
}

func TestQueue_ReapRedeliversExactlyOnce(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	_ = s.Enqueue(ctx, entry(id.NewExecutionID(), "a", 0))

	first, _ := s.Poll(ctx, queue.PollRequest{TaskType: "llm", Count: 1, Lease: time.Second, Owner: "crashed"})
	c.Advance(2 * time.Second)

	reaped, err := s.ReapExpired(ctx, c.Now())
	if err != nil || len(reaped) != 1 || reaped[0].LeaseOwner != "crashed" {
		t.Fatalf("reaped = %+v, %v", reaped, err)
	}
	again, _ := s.ReapExpired(ctx, c.Now())
	if len(again) != 0 {
		t.Fatalf("second reap returned %d entries", len(again))
	}

	second, _ := s.Poll(ctx, queue.PollRequest{TaskType: "llm", Count: 5, Lease: time.Second, Owner: "healthy"})
	if len(second) != 1 || second[0].Attempt != 1 {
		t.Fatalf("redelivery = %+v", second)
	}
	if second[0].LeaseToken == first[0].LeaseToken {
		t.Fatal("redelivery must mint a new lease token")
	}
	if err := s.Ack(ctx, first[0].Key(), first[0].LeaseToken); !errors.Is(err, orchestra.ErrLeaseExpired) {
		t.Fatalf("stale token ack err = %v", err)
	}
	if err := s.Ack(ctx, second[0].Key(), second[0].LeaseToken); err != nil {
		t.Fatalf("Ack: %v", err)
	}
}

// ──────────────────────────────────────────────────
// DLQ
// ──────────────────────────────────────────────────

func TestDLQ_ServicePush(t *testing.T) {
	s, c := newStore()
	ctx := context.Background()
	svc := dlq.NewService(s)

	ended := c.Now()
	e := &execution.Execution{ID: id.NewExecutionID(), DefinitionName: "triage", ScopeOrgID: "org_1"}
	te := &execution.TaskExecution{
		TaskRef: "notify", TaskType: "send_notification", Attempt: 3,
		Input:   map[string]any{"ticket_id": "TKT-2"},
		Error:   &execution.TaskError{Kind: orchestra.KindFailed, Message: "smtp down"},
		EndedAt: &ended,
	}
	budget := &orchestra.RetryBudgetExhaustedError{TaskRef: "notify", Attempts: 3, Last: errors.New("smtp down")}

	entry, err := svc.Push(ctx, e, te, budget)
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if entry.ErrorKind != orchestra.KindRetryBudgetExhausted || entry.Attempt != 3 || !entry.FailedAt.Equal(ended) {
		t.Fatalf("entry = %+v", entry)
	}

	got, err := svc.DLQStore().GetDLQ(ctx, entry.ID)
	if err != nil || got.ScopeOrgID != "org_1" || got.Input["ticket_id"] != "TKT-2" {
		t.Fatalf("GetDLQ = %+v, %v", got, err)
	}
	byType, _ := s.ListDLQ(ctx, dlq.ListOpts{TaskType: "send_notification"})
	other, _ := s.ListDLQ(ctx, dlq.ListOpts{TaskType: "llm"})
	if len(byType) != 1 || len(other) != 0 {
		t.Fatalf("filters: %d / %d", len(byType), len(other))
	}

	if n, _ := s.PurgeDLQ(ctx, ended.Add(time.Second)); n != 1 {
		t.Fatalf("purged %d", n)
	}
	if n, _ := s.CountDLQ(ctx); n != 0 {
		t.Fatalf("count = %d", n)
	}
	if _, err := s.GetDLQ(ctx, entry.ID); !errors.Is(err, orchestra.ErrDLQNotFound) {
		t.Fatalf("err = %v", err)
	}
}
