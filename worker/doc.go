// Package worker runs task handlers against leased attempts. A [Registry]
// maps task types to handlers, and a [Pool] polls a [Poller] for each
// registered type, runs the handler through middleware, keeps the lease
// alive with heartbeats and reports the result.
//
// The Poller is either an in-process *gateway.Gateway or a remote
// *client.Client; the pool does not care which.
//
//	reg := worker.NewRegistry()
//	worker.RegisterTyped(reg, "search_kb", func(ctx context.Context, in SearchInput) (SearchOutput, error) {
//	    ...
//	})
//	pool := worker.NewPool(gw, reg, logger,
//	    worker.WithMiddleware(middleware.Recover(logger), middleware.Scope()),
//	)
//	pool.Start(ctx)
//
// A handler error is retried per the task's retry policy. Wrap it with
// [Terminal] to fail the task without retries.
package worker
