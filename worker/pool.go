package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/gateway"
	"github.com/xraph/orchestra/id"
	"github.com/xraph/orchestra/middleware"
)

// Poller is the worker-facing protocol. *gateway.Gateway implements it in
// process and *client.Client over HTTP.
type Poller interface {
	Poll(ctx context.Context, req gateway.PollRequest) ([]*gateway.Task, error)
	Report(ctx context.Context, res gateway.Result) error
	Heartbeat(ctx context.Context, req gateway.HeartbeatRequest) (time.Time, error)
}

// Pool runs poll loops for every handle in a Registry.
type Pool struct {
	poller       Poller
	registry     *Registry
	mw           middleware.Middleware
	concurrency  int
	pollInterval time.Duration
	lease        time.Duration
	// heartbeatInterval overrides the default of half the remaining lease.
	heartbeatInterval time.Duration
	workerID          id.WorkerID
	logger            *slog.Logger

	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	active   map[string]context.CancelFunc
	activeMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the default number of poll loops per handle.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how long a loop sleeps after an empty poll.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLeaseDuration sets the default lease requested on poll. Zero leaves
// it to the server.
func WithLeaseDuration(d time.Duration) PoolOption {
	return func(p *Pool) { p.lease = d }
}

// WithHeartbeatInterval fixes the heartbeat period for running tasks.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithMiddleware sets the middleware chain wrapped around every handler.
func WithMiddleware(mws ...middleware.Middleware) PoolOption {
	return func(p *Pool) { p.mw = middleware.Chain(mws...) }
}

// WithWorkerID sets the identity reported as lease owner.
func WithWorkerID(wid id.WorkerID) PoolOption {
	return func(p *Pool) { p.workerID = wid }
}

// NewPool creates a worker pool.
func NewPool(poller Poller, registry *Registry, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		poller:       poller,
		registry:     registry,
		mw:           middleware.Chain(),
		concurrency:  1,
		pollInterval: time.Second,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the poll loops. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})

	handles := p.registry.Handles()
	if len(handles) == 0 {
		p.logger.Warn("worker pool has no registered handlers")
	}
	for _, h := range handles {
		n := h.Concurrency
		if n <= 0 {
			n = p.concurrency
		}
		p.logger.Info("worker pool polling",
			slog.String("worker_id", p.workerID.String()),
			slog.String("task_type", h.TaskType),
			slog.String("domain", h.Domain),
			slog.Int("concurrency", n),
		)
		for range n {
			p.wg.Add(1)
			go p.pollLoop(h, p.stopCh)
		}
	}
	return nil
}

// Stop signals all loops to stop and waits for running tasks. When ctx ends
// first, running tasks are cancelled; their results are still reported.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancelActive()
		<-done
	}
	return nil
}

func (p *Pool) pollLoop(h *Handle, stop <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		default:
		}

		tasks, err := p.poller.Poll(context.Background(), gateway.PollRequest{
			TaskType:      h.TaskType,
			Domain:        h.Domain,
			Count:         1,
			LeaseDuration: p.leaseFor(h),
			WorkerID:      p.workerID.String(),
		})
		if err != nil {
			p.logger.Error("poll error",
				slog.String("task_type", h.TaskType),
				slog.String("error", err.Error()),
			)
			p.sleep(stop)
			continue
		}
		if len(tasks) == 0 {
			p.sleep(stop)
			continue
		}
		for _, t := range tasks {
			p.run(h, t)
		}
	}
}

// run executes one attempt, heartbeating until the handler returns, and
// reports the result.
func (p *Pool) run(h *Handle, t *gateway.Task) {
	ctx, cancel := context.WithCancel(context.Background())
	p.track(t.TaskID, cancel)

	beating := make(chan struct{})
	go p.keepAlive(ctx, cancel, h, t, beating)

	var output map[string]any
	err := p.mw(ctx, t, func(ctx context.Context) error {
		out, err := h.fn(ctx, t)
		output = out
		return err
	})

	cancel()
	<-beating
	p.untrack(t.TaskID)

	p.report(t, output, err)
}

func (p *Pool) report(t *gateway.Task, output map[string]any, err error) {
	res := gateway.Result{
		TaskID:      t.TaskID,
		ExecutionID: t.ExecutionID,
		TaskRef:     t.TaskRef,
		Attempt:     t.Attempt,
	}
	switch {
	case err == nil:
		res.Status = gateway.ResultCompleted
		if output != nil {
			res.Output = output
		}
	case IsTerminal(err):
		res.Status = gateway.ResultTerminal
		res.Error = err.Error()
	default:
		res.Status = gateway.ResultFailed
		res.Error = err.Error()
	}

	rerr := p.poller.Report(context.Background(), res)
	if rerr == nil {
		return
	}
	var invalid *orchestra.InvalidOutputError
	switch {
	case errors.As(rerr, &invalid):
		p.logger.Warn("task output rejected",
			slog.String("task_ref", t.TaskRef),
			slog.String("execution_id", t.ExecutionID.String()),
			slog.String("reason", invalid.Reason),
		)
	case errors.Is(rerr, orchestra.ErrLeaseExpired):
		p.logger.Warn("task result discarded, lease lost",
			slog.String("task_ref", t.TaskRef),
			slog.String("execution_id", t.ExecutionID.String()),
			slog.Int("attempt", t.Attempt),
		)
	default:
		p.logger.Error("failed to report task result",
			slog.String("task_ref", t.TaskRef),
			slog.String("execution_id", t.ExecutionID.String()),
			slog.String("error", rerr.Error()),
		)
	}
}

// keepAlive heartbeats t until ctx ends. Losing the lease cancels the
// handler.
func (p *Pool) keepAlive(ctx context.Context, cancel context.CancelFunc, h *Handle, t *gateway.Task, done chan<- struct{}) {
	defer close(done)

	interval := p.heartbeatEvery(h, t.LeaseExpiry)
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		expiry, err := p.poller.Heartbeat(ctx, gateway.HeartbeatRequest{
			TaskID:      t.TaskID,
			ExecutionID: t.ExecutionID,
			TaskRef:     t.TaskRef,
			Attempt:     t.Attempt,
			Extension:   p.leaseFor(h),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if lost(err) {
				p.logger.Warn("lease lost, cancelling task",
					slog.String("task_ref", t.TaskRef),
					slog.String("execution_id", t.ExecutionID.String()),
					slog.String("error", err.Error()),
				)
				cancel()
				return
			}
			p.logger.Warn("heartbeat failed",
				slog.String("task_ref", t.TaskRef),
				slog.String("error", err.Error()),
			)
			timer.Reset(interval)
			continue
		}
		interval = p.heartbeatEvery(h, expiry)
		timer.Reset(interval)
	}
}

// heartbeatEvery is half the time left on the lease.
func (p *Pool) heartbeatEvery(h *Handle, expiry time.Time) time.Duration {
	if p.heartbeatInterval > 0 {
		return p.heartbeatInterval
	}
	if d := time.Until(expiry) / 2; d > 0 {
		return d
	}
	if d := p.leaseFor(h) / 2; d > 0 {
		return d
	}
	return time.Second
}

func (p *Pool) leaseFor(h *Handle) time.Duration {
	if h.Lease > 0 {
		return h.Lease
	}
	return p.lease
}

func lost(err error) bool {
	return errors.Is(err, orchestra.ErrLeaseExpired) ||
		errors.Is(err, orchestra.ErrExecutionTerminal) ||
		errors.Is(err, orchestra.ErrInvalidState) ||
		errors.Is(err, orchestra.ErrTaskNotFound)
}

func (p *Pool) sleep(stop <-chan struct{}) {
	select {
	case <-time.After(p.pollInterval):
	case <-stop:
	}
}

func (p *Pool) track(token string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[token] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(token string) {
	p.activeMu.Lock()
	delete(p.active, token)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for token, cancel := range p.active {
		p.logger.Warn("cancelling active task", slog.String("task_id", token))
		cancel()
	}
}
