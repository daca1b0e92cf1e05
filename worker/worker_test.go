package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/backoff"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/engine"
	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/gateway"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/middleware"
	"github.com/xraph/orchestra/store/memory"
	"github.com/xraph/orchestra/worker"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type greeting struct {
	Name string `json:"name"`
}

type reply struct {
	Message string `json:"message"`
}

// setup builds an engine over a memory store with a two-step "greet"
// workflow: hello (type "say") feeds shout (type "upper").
func setup(t *testing.T) (*engine.Engine, *gateway.Gateway) {
	t.Helper()
	o, err := orchestra.New(
		orchestra.WithStore(memory.New()),
		orchestra.WithLogger(quiet()),
	)
	if err != nil {
		t.Fatalf("orchestra.New: %v", err)
	}
	eng, err := engine.Build(o, engine.WithBackoff(backoff.None))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	def := definition.New("greet", 1).
		Task("hello", "say", map[string]any{"name": "${workflow.input.name}"}, definition.WithRetry(3, "", 0, 0)).
		Task("shout", "upper", map[string]any{"text": "${hello.output.message}"}).
		Chain("hello", "shout").
		Output(map[string]any{"result": "${shout.output.text}"}).
		MustBuild()
	if err := eng.RegisterDefinition(context.Background(), def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	return eng, gateway.New(eng)
}

func startGreet(t *testing.T, eng *engine.Engine) id.ExecutionID {
	t.Helper()
	e, err := eng.StartExecution(context.Background(), engine.StartRequest{
		DefinitionName: "greet",
		Input:          map[string]any{"name": "Ada"},
	})
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	return e.ID
}

func runPool(t *testing.T, gw *gateway.Gateway, reg *worker.Registry, opts ...worker.PoolOption) {
	t.Helper()
	opts = append([]worker.PoolOption{worker.WithPollInterval(10 * time.Millisecond)}, opts...)
	pool := worker.NewPool(gw, reg, quiet(), opts...)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
}

func waitFor(t *testing.T, eng *engine.Engine, eid id.ExecutionID) *execution.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := eng.GetExecution(context.Background(), eid)
		if err != nil {
			t.Fatalf("GetExecution: %v", err)
		}
		if e.Status.Terminal() {
			return e
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("execution %s did not finish", eid)
	return nil
}

func upper(_ context.Context, in struct {
	Text string `json:"text"`
}) (map[string]any, error) {
	out := []rune(in.Text)
	for i, r := range out {
		if r >= 'a' && r <= 'z' {
			out[i] = r - 'a' + 'A'
		}
	}
	return map[string]any{"text": string(out)}, nil
}

// ──────────────────────────────────────────────────
// Registry
// ──────────────────────────────────────────────────

func TestRegistry_ReplacesByTypeAndDomain(t *testing.T) {
	reg := worker.NewRegistry()
	noop := func(context.Context, *gateway.Task) (map[string]any, error) { return nil, nil }

	reg.Register("notify", noop)
	reg.Register("notify", noop, worker.WithDomain("support"))
	h := reg.Register("notify", noop, worker.WithDomain("support"), worker.WithConcurrency(4))

	handles := reg.Handles()
	if len(handles) != 2 {
		t.Fatalf("got %d handles, want 2", len(handles))
	}
	if handles[0].Domain != "" || handles[1].Domain != "support" {
		t.Errorf("unexpected order: %q, %q", handles[0].Domain, handles[1].Domain)
	}
	got, ok := reg.Get("notify", "support")
	if !ok || got != h || got.Concurrency != 4 {
		t.Fatalf("Get returned %+v, %v", got, ok)
	}
}

func TestRegisterTyped_RoundTrips(t *testing.T) {
	reg := worker.NewRegistry()
	h := worker.RegisterTyped(reg, "say", func(_ context.Context, in greeting) (reply, error) {
		return reply{Message: "hello " + in.Name}, nil
	})

	out, err := h.Call(context.Background(), &gateway.Task{TaskRef: "hello", Input: map[string]any{"name": "Ada"}})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out["message"] != "hello Ada" {
		t.Errorf("output = %v", out)
	}
}

func TestRegisterTyped_BadInputIsTerminal(t *testing.T) {
	reg := worker.NewRegistry()
	h := worker.RegisterTyped(reg, "say", func(_ context.Context, in greeting) (reply, error) {
		return reply{}, nil
	})

	_, err := h.Call(context.Background(), &gateway.Task{TaskRef: "hello", Input: map[string]any{"name": 42}})
	if !worker.IsTerminal(err) {
		t.Fatalf("got %v, want a terminal error", err)
	}
}

func TestRegisterTyped_NonObjectOutputIsTerminal(t *testing.T) {
	reg := worker.NewRegistry()
	h := worker.RegisterTyped(reg, "count", func(_ context.Context, _ greeting) (int, error) {
		return 3, nil
	})

	if _, err := h.Call(context.Background(), &gateway.Task{TaskRef: "count"}); !worker.IsTerminal(err) {
		t.Fatalf("got %v, want a terminal error", err)
	}
}

func TestTerminal(t *testing.T) {
	if worker.Terminal(nil) != nil {
		t.Error("Terminal(nil) should be nil")
	}
	base := errors.New("bad request")
	err := worker.Terminal(base)
	if !errors.Is(err, base) {
		t.Error("Terminal should unwrap to the cause")
	}
	if !worker.IsTerminal(errors.Join(errors.New("ctx"), err)) {
		t.Error("IsTerminal should see through wrapping")
	}
	if worker.IsTerminal(base) {
		t.Error("plain errors are not terminal")
	}
}

// ──────────────────────────────────────────────────
// Pool
// ──────────────────────────────────────────────────

func TestPool_StartStopIdempotent(t *testing.T) {
	_, gw := setup(t)
	pool := worker.NewPool(gw, worker.NewRegistry(), quiet())

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestPool_RestartsAfterStop(t *testing.T) {
	eng, gw := setup(t)
	reg := worker.NewRegistry()
	worker.RegisterTyped(reg, "say", func(_ context.Context, in greeting) (reply, error) {
		return reply{Message: "hello " + in.Name}, nil
	})
	worker.RegisterTyped(reg, "upper", upper)
	pool := worker.NewPool(gw, reg, quiet(), worker.WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pool.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer func() {
		if err := pool.Stop(ctx); err != nil {
			t.Errorf("second Stop: %v", err)
		}
	}()

	eid := startGreet(t, eng)
	if e := waitFor(t, eng, eid); e.Status != execution.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", e.Status)
	}
}

func TestPool_RunsWorkflowToCompletion(t *testing.T) {
	eng, gw := setup(t)
	reg := worker.NewRegistry()
	worker.RegisterTyped(reg, "say", func(_ context.Context, in greeting) (reply, error) {
		return reply{Message: "hello " + in.Name}, nil
	})
	worker.RegisterTyped(reg, "upper", upper)

	eid := startGreet(t, eng)
	runPool(t, gw, reg, worker.WithMiddleware(middleware.Recover(quiet()), middleware.Scope()))

	e := waitFor(t, eng, eid)
	if e.Status != execution.StatusCompleted {
		t.Fatalf("status = %s (%s)", e.Status, e.Reason)
	}
	if e.Output["result"] != "HELLO ADA" {
		t.Errorf("output = %v", e.Output)
	}
	if owner := e.Latest("hello").LeaseOwner; owner == "" {
		t.Error("expected the pool's worker id as lease owner")
	}
}

func TestPool_RetriesFailedAttempt(t *testing.T) {
	eng, gw := setup(t)
	reg := worker.NewRegistry()
	var calls atomic.Int32
	reg.Register("say", func(_ context.Context, _ *gateway.Task) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("model overloaded")
		}
		return map[string]any{"message": "ok"}, nil
	})
	worker.RegisterTyped(reg, "upper", upper)

	eid := startGreet(t, eng)
	runPool(t, gw, reg)

	e := waitFor(t, eng, eid)
	if e.Status != execution.StatusCompleted {
		t.Fatalf("status = %s (%s)", e.Status, e.Reason)
	}
	attempts := e.Attempts("hello")
	if len(attempts) != 2 || attempts[0].Status != execution.TaskFailed {
		t.Fatalf("attempts = %d, first %s", len(attempts), attempts[0].Status)
	}
}

func TestPool_PanicIsRetried(t *testing.T) {
	eng, gw := setup(t)
	reg := worker.NewRegistry()
	var calls atomic.Int32
	reg.Register("say", func(_ context.Context, _ *gateway.Task) (map[string]any, error) {
		if calls.Add(1) == 1 {
			panic("nil pointer somewhere")
		}
		return map[string]any{"message": "ok"}, nil
	})
	worker.RegisterTyped(reg, "upper", upper)

	eid := startGreet(t, eng)
	runPool(t, gw, reg, worker.WithMiddleware(middleware.Recover(quiet())))

	if e := waitFor(t, eng, eid); e.Status != execution.StatusCompleted {
		t.Fatalf("status = %s (%s)", e.Status, e.Reason)
	}
}

func TestPool_TerminalErrorFailsExecution(t *testing.T) {
	eng, gw := setup(t)
	reg := worker.NewRegistry()
	var calls atomic.Int32
	reg.Register("say", func(_ context.Context, _ *gateway.Task) (map[string]any, error) {
		calls.Add(1)
		return nil, worker.Terminal(errors.New("ticket is empty"))
	})

	eid := startGreet(t, eng)
	runPool(t, gw, reg)

	e := waitFor(t, eng, eid)
	if e.Status != execution.StatusFailed {
		t.Fatalf("status = %s, want FAILED", e.Status)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("handler ran %d times, want 1", n)
	}
	hello := e.Latest("hello")
	if hello.Error == nil || hello.Error.Kind != orchestra.KindTerminal {
		t.Errorf("attempt error = %+v", hello.Error)
	}
}

func TestPool_HeartbeatsLongTask(t *testing.T) {
	eng, gw := setup(t)
	reg := worker.NewRegistry()
	reg.Register("say", func(ctx context.Context, _ *gateway.Task) (map[string]any, error) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]any{"message": "slow"}, nil
	}, worker.WithLease(100*time.Millisecond))
	worker.RegisterTyped(reg, "upper", upper)

	eid := startGreet(t, eng)
	runPool(t, gw, reg)

	e := waitFor(t, eng, eid)
	if e.Status != execution.StatusCompleted {
		t.Fatalf("status = %s (%s)", e.Status, e.Reason)
	}
	if hb := e.Latest("hello").Heartbeats; hb < 2 {
		t.Errorf("heartbeats = %d, want at least 2", hb)
	}
}
