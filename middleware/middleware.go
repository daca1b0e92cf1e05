package middleware

import (
	"context"

	"github.com/xraph/orchestra/gateway"
)

// Handler is the terminal function that runs the task.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic. It receives the
// context, the leased task and the next handler in the chain.
type Middleware func(ctx context.Context, t *gateway.Task, next Handler) error

// Chain composes middleware into a single Middleware. The first entry is
// the outermost wrapper.
//
// Example: Chain(logging, recover, scope) executes as:
//
//	logging → recover → scope → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, t *gateway.Task, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, t, prev)
			}
		}
		return h(ctx)
	}
}
