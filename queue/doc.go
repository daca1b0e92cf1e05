// Package queue defines the per-task-type ready queue that hands task
// attempts to workers under exclusive, time-bounded leases.
//
// An [Entry] is keyed by (executionID, taskRef, attempt). Enqueue is
// idempotent on that key so the engine can re-enqueue freely after a crash.
// [Store.Poll] leases visible entries atomically; the lease token it mints
// must be presented to [Store.Heartbeat] and [Store.Ack]. Entries whose
// lease lapses become visible again through [Store.ReapExpired], with the
// same attempt number.
//
// Ordering within a task type is priority DESC, VisibleAt ASC, EnqueuedAt
// ASC. It is a fairness goal; dependency order comes from the scheduler.
//
// # Admission
//
// [Manager] throttles polls with token buckets (golang.org/x/time/rate)
// per task type and per tenant, and caps how many entries of a task type
// may be leased at once:
//
//	m := queue.NewManager(
//	    queue.Config{TaskType: "llm_chat_complete", RateLimit: 5, RateBurst: 10, MaxInFlight: 20},
//	)
//	m.SetTenantConfig(queue.TenantConfig{TaskType: "llm_chat_complete", TenantID: "org_1", RateLimit: 1})
//
//	adm := m.Admit("llm_chat_complete", tenantID, 10)
//	entries, err := store.Poll(ctx, queue.PollRequest{..., Count: adm.N()})
//	adm.Commit(len(entries))
//
// Task types without a [Config] are not limited.
package queue
