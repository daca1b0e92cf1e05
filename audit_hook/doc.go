// Package audithook is an orchestra extension that bridges execution and
// task lifecycle events to an audit trail backend.
//
// Each enabled hook emits a structured [AuditEvent] through the [Recorder]
// interface. Severity is info for normal progress, warning for retries,
// skips and reaped leases, and critical for failures and dead letters.
// Metadata carries the definition, task reference, attempt and error.
//
//	eng, err := engine.Build(o,
//	    engine.WithExtension(audithook.New(audithook.RecorderFunc(
//	        func(ctx context.Context, evt *audithook.AuditEvent) error {
//	            return trail.Append(ctx, evt)
//	        },
//	    ))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionExecutionFailed,
//	        audithook.ActionTaskDLQ,
//	    ),
//	)
package audithook
