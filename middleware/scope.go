package middleware

import (
	"context"

	"github.com/xraph/orchestra/gateway"
	"github.com/xraph/orchestra/scope"
)

// Scope returns middleware that restores the Forge app/org scope the
// execution was started under, so handlers see the caller's forge.Scope.
func Scope() Middleware {
	return func(ctx context.Context, t *gateway.Task, next Handler) error {
		ctx = scope.Restore(ctx, t.ScopeAppID, t.ScopeOrgID)
		return next(ctx)
	}
}
