// Package middleware provides composable middleware around worker task
// handlers.
//
// A [Middleware] wraps the call that runs one leased task. Middleware are
// composed with [Chain] and run before each handler. The first middleware
// in the list is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs the task type, attempt and duration of each run
//   - [Recover] turns handler panics into errors
//   - [Timeout] bounds the handler context by the task's timeout
//   - [Tracing] wraps the run in an OpenTelemetry span
//   - [Metrics] records per-task-type duration and outcome counters
//   - [Scope] restores the Forge app/org scope captured at start time
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, t *gateway.Task, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
//
// Middleware must call next unless it means to short-circuit the task.
package middleware
