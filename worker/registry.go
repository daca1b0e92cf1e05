package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xraph/orchestra/gateway"
)

// HandlerFunc runs one attempt and returns its output object.
type HandlerFunc func(ctx context.Context, t *gateway.Task) (map[string]any, error)

// Handle is a registered handler and its polling settings.
type Handle struct {
	TaskType string
	// Domain is matched exactly against the attempt's domain.
	Domain string
	// Concurrency is the number of attempts run at once. Zero uses the
	// pool default.
	Concurrency int
	// Lease requested on poll. Zero uses the pool default.
	Lease time.Duration

	fn HandlerFunc
}

// Call runs the handler directly, without middleware.
func (h *Handle) Call(ctx context.Context, t *gateway.Task) (map[string]any, error) {
	return h.fn(ctx, t)
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithDomain polls only attempts routed to domain.
func WithDomain(domain string) HandleOption {
	return func(h *Handle) { h.Domain = domain }
}

// WithConcurrency sets how many attempts of the type run at once.
func WithConcurrency(n int) HandleOption {
	return func(h *Handle) { h.Concurrency = n }
}

// WithLease sets the lease requested for each attempt.
func WithLease(d time.Duration) HandleOption {
	return func(h *Handle) { h.Lease = d }
}

// Registry maps task types (and domains) to handlers. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register binds fn to taskType. Registering the same type and domain
// again replaces the previous handler.
func (r *Registry) Register(taskType string, fn HandlerFunc, opts ...HandleOption) *Handle {
	h := &Handle{TaskType: taskType, fn: fn}
	for _, opt := range opts {
		opt(h)
	}
	r.mu.Lock()
	r.handles[handleKey(h.TaskType, h.Domain)] = h
	r.mu.Unlock()
	return h
}

// RegisterTyped registers a handler with typed input and output. The
// task input is decoded into In through JSON, and Out is encoded back to
// an object. A decode failure is terminal, since retrying the same input
// cannot succeed.
func RegisterTyped[In, Out any](r *Registry, taskType string, fn func(ctx context.Context, in In) (Out, error), opts ...HandleOption) *Handle {
	return r.Register(taskType, func(ctx context.Context, t *gateway.Task) (map[string]any, error) {
		var in In
		raw, err := json.Marshal(t.Input)
		if err == nil {
			err = json.Unmarshal(raw, &in)
		}
		if err != nil {
			return nil, Terminal(fmt.Errorf("decode input for task %q: %w", t.TaskRef, err))
		}

		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		raw, err = json.Marshal(out)
		if err != nil {
			return nil, Terminal(fmt.Errorf("encode output for task %q: %w", t.TaskRef, err))
		}
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, Terminal(fmt.Errorf("output of task %q is not an object", t.TaskRef))
		}
		return obj, nil
	}, opts...)
}

// Get returns the handle for a task type and domain.
func (r *Registry) Get(taskType, domain string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[handleKey(taskType, domain)]
	return h, ok
}

// Handles returns every registered handle ordered by type then domain.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskType != out[j].TaskType {
			return out[i].TaskType < out[j].TaskType
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}

func handleKey(taskType, domain string) string { return taskType + "\x00" + domain }

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err so the task fails without retries. Terminal(nil)
// returns nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal anywhere in its
// chain.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}
