// Package engine drives workflow executions. It applies scheduler
// decisions to executions and turns worker outcomes into retries or dead
// letters. A background sweeper reaps lapsed leases and enforces task
// timeouts.
//
// This package sits above every subsystem package (definition, execution,
// queue, dlq, scheduler, ext) and below the transport layers (gateway,
// api).
//
// # Building an Engine
//
//	o, err := orchestra.New(
//	    orchestra.WithStore(pgStore),
//	    orchestra.WithSweepInterval(time.Second),
//	)
//
//	eng, err := engine.Build(o,
//	    engine.WithExtension(myExtension),
//	    engine.WithBackoff(backoff.NewExponential(time.Second, time.Minute)),
//	    engine.WithQueueConfig(queue.Config{
//	        TaskType:    "llm_chat_complete",
//	        RateLimit:   5,
//	        MaxInFlight: 20,
//	    }),
//	)
//
// # Mutations
//
// Every change to an execution (start, outcome, lease start, heartbeat,
// timeout, terminate) loads the record, applies the change together with
// any scheduler decisions it unlocks, and writes it back only if the
// revision is unchanged. On a conflict the change is replayed against the
// fresh record. Queue writes, dead letters and extension hooks run after
// the write commits.
//
// # Lifecycle
//
//	eng.Start(ctx) // re-enqueue SCHEDULED attempts, start the sweeper
//	eng.Stop(ctx)  // stop the sweeper, emit OnShutdown, close the store
package engine
