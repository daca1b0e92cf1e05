// Package orchestra provides a durable, multi-tenant workflow orchestration
// engine for Go. Workflows are DAGs of tasks; tasks are executed by external
// worker processes that poll for leased work, and data flows between tasks
// through ${...} references resolved against an execution's context.
//
// Orchestra is designed as a library first. Import it, configure a store,
// register definitions, and start executions. The api package exposes the
// same operations over HTTP for remote workers and clients.
//
// # Quick Start
//
//	o, err := orchestra.New(
//	    orchestra.WithStore(memory.New()),
//	    orchestra.WithSweepInterval(time.Second),
//	)
//	eng, err := engine.Build(o)
//	_ = eng.RegisterDefinition(ctx, def)
//	ex, err := eng.StartExecution(ctx, engine.StartRequest{DefinitionName: "triage"})
//
// # Architecture
//
// Each subsystem (definition, execution, queue, dlq) defines its own store
// interface and a single backend implements all of them. The scheduler is a
// pure function from (definition, execution) to decisions; the engine applies
// decisions under a compare-and-swap on the execution revision, and the queue
// lease is the only synchronization primitive workers see.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package orchestra
