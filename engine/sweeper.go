package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/orchestra/execution"
	"github.com/xraph/orchestra/queue"
)

// sweeper runs the periodic maintenance loop: lease reaping, attempt
// timeouts, queue repair, and retention.
type sweeper struct {
	eng      *Engine
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newSweeper(eng *Engine) *sweeper {
	interval := eng.config.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &sweeper{eng: eng, interval: interval, logger: eng.logger}
}

// Start launches the sweep goroutine.
func (s *sweeper) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop()
	s.logger.Info("sweeper started", slog.Duration("interval", s.interval))
	return nil
}

// Stop signals the loop and waits for the sweep in progress to finish, or
// for ctx to end.
func (s *sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("sweeper stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.eng.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass. The sweeper calls it on every tick;
// tests call it directly.
func (eng *Engine) Sweep(ctx context.Context) {
	eng.reapLeases(ctx)
	eng.timeOutAttempts(ctx)
	eng.closeStrandedAttempts(ctx)
	eng.repairQueue(ctx)
	eng.applyRetention(ctx)
}

// reapLeases makes entries whose lease lapsed visible again. The attempt
// keeps its number and is redelivered as is.
func (eng *Engine) reapLeases(ctx context.Context) {
	reaped, err := eng.store.ReapExpired(ctx, eng.Now())
	if err != nil {
		eng.logger.Error("lease reap failed", slog.String("error", err.Error()))
		return
	}
	for _, qe := range reaped {
		eng.queues.Release(qe.TaskType)
		eng.extensions.EmitLeaseExpired(ctx, qe)
		eng.logger.Warn("lease expired, task redelivered",
			slog.String("entry", qe.Key().String()),
			slog.String("owner", qe.LeaseOwner),
		)
	}
}

// timeOutAttempts fails IN_PROGRESS attempts that ran past their timeout.
func (eng *Engine) timeOutAttempts(ctx context.Context) {
	now := eng.Now()
	var due []queue.Key
	err := eng.eachRunning(ctx, func(e *execution.Execution) error {
		for _, t := range e.Tasks {
			if t.Status == execution.TaskInProgress && expired(t, now) {
				due = append(due, queue.Key{ExecutionID: e.ID, TaskRef: t.TaskRef, Attempt: t.Attempt})
			}
		}
		return nil
	})
	if err != nil {
		eng.logger.Error("timeout scan failed", slog.String("error", err.Error()))
		return
	}

	for _, key := range due {
		if err := eng.timeOut(ctx, key); err != nil {
			eng.logger.Error("task timeout failed",
				slog.String("entry", key.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		eng.logger.Warn("task timed out", slog.String("entry", key.String()))
	}
}

// stoppedStatuses are the terminal states that can still hold IN_PROGRESS
// attempts: a terminate or fatal failure does not wait for leased work.
var stoppedStatuses = []execution.Status{execution.StatusTerminated, execution.StatusFailed}

// closeStrandedAttempts times out IN_PROGRESS attempts of stopped
// executions once their timeout or lease has passed. They are not retried.
func (eng *Engine) closeStrandedAttempts(ctx context.Context) {
	now := eng.Now()
	var due []queue.Key
	for _, status := range stoppedStatuses {
		err := eng.eachExecution(ctx, status, func(e *execution.Execution) error {
			for _, t := range e.Tasks {
				if t.Status == execution.TaskInProgress && stranded(t, now) {
					due = append(due, queue.Key{ExecutionID: e.ID, TaskRef: t.TaskRef, Attempt: t.Attempt})
				}
			}
			return nil
		})
		if err != nil {
			eng.logger.Error("stranded attempt scan failed",
				slog.String("status", string(status)),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	for _, key := range due {
		if err := eng.timeOut(ctx, key); err != nil {
			eng.logger.Error("stranded attempt timeout failed",
				slog.String("entry", key.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		eng.logger.Info("stranded attempt timed out", slog.String("entry", key.String()))
	}
}

// stranded reports whether an attempt of a stopped execution can be closed.
func stranded(t *execution.TaskExecution, now time.Time) bool {
	if expired(t, now) {
		return true
	}
	return t.LeaseExpiry != nil && !now.Before(*t.LeaseExpiry)
}

// repairQueue enqueues every due SCHEDULED attempt of a RUNNING execution.
// Enqueue skips keys that exist, so only entries lost to a failed enqueue
// are written.
func (eng *Engine) repairQueue(ctx context.Context) {
	now := eng.Now()
	err := eng.eachRunning(ctx, func(e *execution.Execution) error {
		for _, t := range e.Tasks {
			if t.Status != execution.TaskScheduled || t.VisibleAt.After(now) {
				continue
			}
			if err := eng.store.Enqueue(ctx, entryFor(e, t, t.ScheduledAt)); err != nil {
				return fmt.Errorf("repair %s/%s: %w", e.ID, t.TaskRef, err)
			}
		}
		return nil
	})
	if err != nil {
		eng.logger.Error("queue repair failed", slog.String("error", err.Error()))
	}
}

// applyRetention purges terminal executions that ended before the
// retention window.
func (eng *Engine) applyRetention(ctx context.Context) {
	if eng.config.Retention <= 0 {
		return
	}
	n, err := eng.store.PurgeExecutions(ctx, eng.Now().Add(-eng.config.Retention))
	if err != nil {
		eng.logger.Error("retention purge failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		eng.logger.Info("executions purged", slog.Int64("count", n))
	}
}
